// Package job tracks ingestion jobs, one per document. The row is the durable
// record callers poll; terminal states stay queryable until a new ingestion of
// the same doc_id supersedes them.
package job

import (
	"context"
	"time"
)

const (
	StatePending    = "PENDING"
	StateProcessing = "PROCESSING"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
)

type Job struct {
	DocID      string    `json:"doc_id"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	ChunkCount int       `json:"chunk_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Repository interface {
	// Start records a fresh PENDING job, replacing any previous terminal job
	// for the same doc_id.
	Start(ctx context.Context, docID string) error
	MarkProcessing(ctx context.Context, docID string) error
	MarkCompleted(ctx context.Context, docID string, chunkCount int) error
	MarkFailed(ctx context.Context, docID string, cause string) error
	Get(ctx context.Context, docID string) (*Job, error)
	CountByState(ctx context.Context) (map[string]int, error)
}
