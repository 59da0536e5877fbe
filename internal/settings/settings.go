// Package settings holds the operator-tunable configuration persisted in the
// database. The vector and embedding sections require a restart (they decide
// index layout and vector dimension); the search section applies live.
package settings

import (
	"context"
	"fmt"
	"sync"

	"corpusd/internal/apperr"
)

type VectorSettings struct {
	Backend   string `json:"backend"`
	IndexPath string `json:"index_path"`
}

type EmbeddingSettings struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	ChunkMaxTokens int    `json:"chunk_max_tokens"`
}

type SearchSettings struct {
	VectorWeight     float64 `json:"vector_weight"`
	LexicalWeight    float64 `json:"lexical_weight"`
	OversampleFactor int     `json:"oversample_factor"`
	RerankEnabled    bool    `json:"rerank_enabled"`
	RerankTopN       int     `json:"rerank_top_n"`
}

type Settings struct {
	Vector    VectorSettings    `json:"vector"`
	Embedding EmbeddingSettings `json:"embedding"`
	Search    SearchSettings    `json:"search"`
}

// Applies tells callers which changes take effect immediately and which need
// a process restart (and, for vector/embedding, a full reindex).
var Applies = map[string]string{
	"vector":    "restart",
	"embedding": "restart",
	"search":    "live",
}

// Patch is a partial update; nil sections and fields are left unchanged.
type Patch struct {
	Vector *struct {
		Backend   *string `json:"backend"`
		IndexPath *string `json:"index_path"`
	} `json:"vector"`
	Embedding *struct {
		Provider       *string `json:"provider"`
		Model          *string `json:"model"`
		ChunkMaxTokens *int    `json:"chunk_max_tokens"`
	} `json:"embedding"`
	Search *struct {
		VectorWeight     *float64 `json:"vector_weight"`
		LexicalWeight    *float64 `json:"lexical_weight"`
		OversampleFactor *int     `json:"oversample_factor"`
		RerankEnabled    *bool    `json:"rerank_enabled"`
		RerankTopN       *int     `json:"rerank_top_n"`
	} `json:"search"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository

	mu       sync.RWMutex
	onSearch []func(SearchSettings)
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// OnSearchChange registers a callback invoked whenever the live search
// section changes.
func (s *Service) OnSearchChange(fn func(SearchSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSearch = append(s.onSearch, fn)
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

// EnsureDefaults seeds the stored settings on first boot; once a backend is
// recorded the stored values win over the environment.
func (s *Service) EnsureDefaults(ctx context.Context, def Settings) (*Settings, error) {
	current, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current.Vector.Backend != "" {
		return current, nil
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Update merges the patch over the stored settings, validates, persists and
// notifies live consumers.
func (s *Service) Update(ctx context.Context, patch Patch) (*Settings, error) {
	current, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}

	merged := *current
	searchChanged := false

	if patch.Vector != nil {
		if patch.Vector.Backend != nil {
			merged.Vector.Backend = *patch.Vector.Backend
		}
		if patch.Vector.IndexPath != nil {
			merged.Vector.IndexPath = *patch.Vector.IndexPath
		}
	}
	if patch.Embedding != nil {
		if patch.Embedding.Provider != nil {
			merged.Embedding.Provider = *patch.Embedding.Provider
		}
		if patch.Embedding.Model != nil {
			merged.Embedding.Model = *patch.Embedding.Model
		}
		if patch.Embedding.ChunkMaxTokens != nil {
			merged.Embedding.ChunkMaxTokens = *patch.Embedding.ChunkMaxTokens
		}
	}
	if patch.Search != nil {
		searchChanged = true
		if patch.Search.VectorWeight != nil {
			merged.Search.VectorWeight = *patch.Search.VectorWeight
		}
		if patch.Search.LexicalWeight != nil {
			merged.Search.LexicalWeight = *patch.Search.LexicalWeight
		}
		if patch.Search.OversampleFactor != nil {
			merged.Search.OversampleFactor = *patch.Search.OversampleFactor
		}
		if patch.Search.RerankEnabled != nil {
			merged.Search.RerankEnabled = *patch.Search.RerankEnabled
		}
		if patch.Search.RerankTopN != nil {
			merged.Search.RerankTopN = *patch.Search.RerankTopN
		}
	}

	if err := merged.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, &merged); err != nil {
		return nil, err
	}

	if searchChanged {
		s.mu.RLock()
		callbacks := s.onSearch
		s.mu.RUnlock()
		for _, fn := range callbacks {
			fn(merged.Search)
		}
	}
	return &merged, nil
}

func (s *Settings) Validate() error {
	switch s.Vector.Backend {
	case "chromem", "pgvector":
	default:
		return fmt.Errorf("unknown vector backend %q: %w", s.Vector.Backend, apperr.ErrInvalidInput)
	}
	switch s.Embedding.Provider {
	case "local", "gemini":
	default:
		return fmt.Errorf("unknown embedding provider %q: %w", s.Embedding.Provider, apperr.ErrInvalidInput)
	}
	if s.Embedding.ChunkMaxTokens <= 0 {
		return fmt.Errorf("chunk_max_tokens must be positive: %w", apperr.ErrInvalidInput)
	}
	if s.Search.VectorWeight < 0 || s.Search.LexicalWeight < 0 {
		return fmt.Errorf("search weights must be non-negative: %w", apperr.ErrInvalidInput)
	}
	if s.Search.OversampleFactor <= 0 || s.Search.RerankTopN <= 0 {
		return fmt.Errorf("oversample_factor and rerank_top_n must be positive: %w", apperr.ErrInvalidInput)
	}
	return nil
}
