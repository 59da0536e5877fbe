// Package index stores chunk vectors and answers k-nearest-neighbor queries.
// Two backends implement the same capability: an in-process persistent ANN
// store (chromem) and a relational vector column (pgvector).
package index

import "context"

// Item is one chunk vector with the metadata the retriever needs back.
type Item struct {
	ChunkID string
	DocID   string
	Text    string
	Vector  []float32
}

// Match is a query hit. Score is always "higher is better"; backends that
// produce distances invert them before returning.
type Match struct {
	ChunkID string
	DocID   string
	Score   float64
}

// Index is the vector capability consumed by ingestion and retrieval.
// Upsert rejects vectors whose dimension disagrees with the index.
type Index interface {
	Upsert(ctx context.Context, items []Item) error
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteByDoc(ctx context.Context, docID string) error
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)
	Dimension() int
	Count(ctx context.Context) (int, error)
	Close() error
}
