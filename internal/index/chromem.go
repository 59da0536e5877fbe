package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"

	"corpusd/internal/apperr"
)

const chromemCollection = "chunks"

// Chromem is the in-process ANN backend, persisted to a directory. Mutations
// are serialized through one mutex; reads go straight to the collection, which
// is safe for concurrent readers.
type Chromem struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimension  int

	writeMu sync.Mutex
}

func NewChromem(path string, dimension int) (*Chromem, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}

	// Embeddings are always supplied by the caller, so the embedding func is
	// never invoked. It still must not be nil.
	collection, err := db.GetOrCreateCollection(chromemCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", chromemCollection, err)
	}

	return &Chromem{db: db, collection: collection, dimension: dimension}, nil
}

func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding delegated to provider, none configured here")
}

func (c *Chromem) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(items))
	for i, item := range items {
		if len(item.Vector) != c.dimension {
			return fmt.Errorf("chunk %s has dimension %d, index has %d: %w",
				item.ChunkID, len(item.Vector), c.dimension, apperr.ErrDimensionMismatch)
		}
		docs[i] = chromem.Document{
			ID:        item.ChunkID,
			Content:   item.Text,
			Metadata:  map[string]string{"doc_id": item.DocID},
			Embedding: item.Vector,
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

func (c *Chromem) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.collection.Delete(ctx, nil, nil, chunkIDs...); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (c *Chromem) DeleteByDoc(ctx context.Context, docID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	where := map[string]string{"doc_id": docID}
	if err := c.collection.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("delete doc %s: %w", docID, err)
	}
	return nil
}

func (c *Chromem) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if len(vector) != c.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, index has %d: %w",
			len(vector), c.dimension, apperr.ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive: %w", apperr.ErrInvalidInput)
	}

	// chromem caps nResults at the collection size.
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := c.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ChunkID: r.ID,
			DocID:   r.Metadata["doc_id"],
			Score:   float64(r.Similarity),
		}
	}
	return matches, nil
}

func (c *Chromem) Dimension() int { return c.dimension }

func (c *Chromem) Count(ctx context.Context) (int, error) {
	return c.collection.Count(), nil
}

func (c *Chromem) Close() error { return nil }
