package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"corpusd/internal/apperr"
)

const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

type Document struct {
	DocID      string         `json:"doc_id"`
	Title      string         `json:"title,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	ChunkCount int            `json:"chunk_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	DocID      string `json:"doc_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// LexicalHit is one full-text match with its ts_rank_cd score.
type LexicalHit struct {
	ChunkID string
	DocID   string
	Score   float64
}

// ChunkID derives the stable chunk identity from its document and position.
// Re-ingesting identical content reproduces identical IDs.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s#%04d", docID, ordinal)
}

type Repository interface {
	Get(ctx context.Context, docID string) (*Document, error)
	Delete(ctx context.Context, docID string) error
	Count(ctx context.Context) (int, error)
	ChunkCount(ctx context.Context) (int, error)
	GetChunks(ctx context.Context, docID string) ([]Chunk, error)
	GetChunksByIDs(ctx context.Context, chunkIDs []string) (map[string]Chunk, error)
	SearchLexical(ctx context.Context, query string, k int) ([]LexicalHit, error)
	Replace(ctx context.Context, doc *Document, chunks []Chunk, vectors func(tx *sql.Tx) error) error
	SetStatus(ctx context.Context, docID, status string) error
}

// VectorDeleter removes a document's vectors from the active index.
type VectorDeleter interface {
	DeleteByDoc(ctx context.Context, docID string) error
}

type Service struct {
	repo    Repository
	vectors VectorDeleter
}

func NewService(repo Repository, vectors VectorDeleter) *Service {
	return &Service{repo: repo, vectors: vectors}
}

type Detail struct {
	Document
	Chunks []Chunk `json:"chunks"`
}

func (s *Service) Get(ctx context.Context, docID string) (*Detail, error) {
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		return nil, err
	}

	chunks, err := s.repo.GetChunks(ctx, docID)
	if err != nil {
		slog.WarnContext(ctx, "failed to fetch chunks", "error", err, "doc_id", docID)
		chunks = []Chunk{}
	}
	if chunks == nil {
		chunks = []Chunk{}
	}

	return &Detail{Document: *doc, Chunks: chunks}, nil
}

// Delete removes the document, its chunks and its vectors. Deleting an absent
// doc_id is not an error.
func (s *Service) Delete(ctx context.Context, docID string) error {
	if err := s.vectors.DeleteByDoc(ctx, docID); err != nil {
		return fmt.Errorf("delete vectors for %s: %w", docID, err)
	}

	err := s.repo.Delete(ctx, docID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	return nil
}
