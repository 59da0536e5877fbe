package embed

import (
	"context"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"corpusd/internal/apperr"
)

// modelMapping maps friendly model names to fastembed model constants.
var modelMapping = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var modelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGEBaseENV15:  768,
	fastembed.AllMiniLML6V2: 384,
}

const localSubBatch = 256

// Local embeds with an ONNX model running in-process. No network, so results
// are deterministic for a given model version.
type Local struct {
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
	mu        sync.RWMutex
}

func NewLocal(modelName, cacheDir string) (*Local, error) {
	model, ok := modelMapping[modelName]
	if !ok {
		return nil, fmt.Errorf("unsupported embedding model %q: %w", modelName, apperr.ErrInvalidInput)
	}

	showProgress := false
	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("init fastembed: %w", err)
	}

	return &Local{
		model:     fe,
		modelName: modelName,
		dimension: modelDimensions[model],
	}, nil
}

// EmbedBatch embeds texts with the "passage: " prefix recommended for BGE
// models. Sub-batching is handled by the underlying runtime.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("empty batch: %w", apperr.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	vectors, err := l.model.PassageEmbed(texts, localSubBatch)
	if err != nil {
		return nil, apperr.NewEmbedError(apperr.ReasonUnavailable, err)
	}
	if len(vectors) != len(texts) {
		return nil, apperr.NewEmbedError(apperr.ReasonUnavailable,
			fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)))
	}
	return vectors, nil
}

func (l *Local) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty query: %w", apperr.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	vector, err := l.model.QueryEmbed(text)
	if err != nil {
		return nil, apperr.NewEmbedError(apperr.ReasonUnavailable, err)
	}
	return vector, nil
}

func (l *Local) Dimension() int { return l.dimension }

func (l *Local) Model() string { return l.modelName }

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model != nil {
		return l.model.Destroy()
	}
	return nil
}
