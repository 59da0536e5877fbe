// Package embed turns chunk text into fixed-dimension vectors. Two providers
// are available: a local ONNX model and the Gemini embedding API.
package embed

import "context"

// Provider is the embedding capability consumed by ingestion and retrieval.
// EmbedBatch returns exactly one vector per input text, in input order, or an
// error for the whole batch. Partial results are never returned.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
	Close() error
}
