// Package retrieval answers search queries by fusing vector and lexical
// matches, optionally reordering the head of the pool with a cross-encoder.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"

	"corpusd/features/document"
	"corpusd/internal/apperr"
	"corpusd/internal/index"
	"corpusd/internal/rerank"
)

const snippetLength = 500

// QueryEmbedder is the slice of the embedding provider the retriever needs.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher answers k-nearest-neighbor queries.
type VectorSearcher interface {
	Query(ctx context.Context, vector []float32, k int) ([]index.Match, error)
}

// ChunkStore provides lexical search and chunk/document lookups.
type ChunkStore interface {
	SearchLexical(ctx context.Context, query string, k int) ([]document.LexicalHit, error)
	GetChunksByIDs(ctx context.Context, chunkIDs []string) (map[string]document.Chunk, error)
	GetMany(ctx context.Context, docIDs []string) (map[string]document.Document, error)
}

// Reranker reorders candidates by cross-encoder relevance.
type Reranker interface {
	Enabled() bool
	Rerank(ctx context.Context, query string, docs []string) ([]rerank.Result, error)
}

type Options struct {
	TopK   int
	Hybrid bool
	Rerank bool
	Offset int
	Limit  int
}

type Result struct {
	ChunkID  string         `json:"chunk_id"`
	DocID    string         `json:"doc_id"`
	Title    string         `json:"title,omitempty"`
	Score    float64        `json:"score"`
	Snippet  string         `json:"text_snippet"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Weights struct {
	Vector  float64
	Lexical float64
}

type Service struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	store    ChunkStore
	reranker Reranker

	mu         sync.RWMutex
	weights    Weights
	oversample int
	rerankTopN int
}

func NewService(embedder QueryEmbedder, vectors VectorSearcher, store ChunkStore, reranker Reranker, weights Weights, oversample, rerankTopN int) *Service {
	if oversample <= 0 {
		oversample = 3
	}
	if rerankTopN <= 0 {
		rerankTopN = 20
	}
	return &Service{
		embedder:   embedder,
		vectors:    vectors,
		store:      store,
		reranker:   reranker,
		weights:    weights,
		oversample: oversample,
		rerankTopN: rerankTopN,
	}
}

// SetTuning swaps the fusion weights and pool sizing without a restart.
// Invalid values are ignored in favor of the current ones.
func (s *Service) SetTuning(weights Weights, oversample, rerankTopN int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if weights.Vector >= 0 && weights.Lexical >= 0 {
		s.weights = weights
	}
	if oversample > 0 {
		s.oversample = oversample
	}
	if rerankTopN > 0 {
		s.rerankTopN = rerankTopN
	}
}

func (s *Service) tuning() (Weights, int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights, s.oversample, s.rerankTopN
}

// Search runs the full query pipeline and returns one page of results plus
// the size of the fused candidate pool.
func (s *Service) Search(ctx context.Context, query string, opts Options) ([]Result, int, error) {
	if query == "" {
		return nil, 0, fmt.Errorf("query is required: %w", apperr.ErrInvalidInput)
	}
	if opts.TopK <= 0 {
		return nil, 0, fmt.Errorf("top_k must be positive: %w", apperr.ErrInvalidInput)
	}
	if opts.Offset < 0 || opts.Limit < 0 {
		return nil, 0, fmt.Errorf("offset and limit must be non-negative: %w", apperr.ErrInvalidInput)
	}
	if opts.Limit == 0 {
		opts.Limit = opts.TopK
	}

	weights, oversample, rerankTopN := s.tuning()

	qvec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("embed query: %w", err)
	}

	// Oversample so fusion and reranking cannot starve the requested page.
	// The pool is sized from top_k alone: the candidate set and its score
	// normalization must not shift as a caller pages through it.
	pool := opts.TopK * oversample

	var (
		vecMatches []index.Match
		lexHits    []document.LexicalHit
		vecErr     error
		lexErr     error
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vecMatches, vecErr = s.vectors.Query(ctx, qvec, pool)
	}()
	if opts.Hybrid {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lexHits, lexErr = s.store.SearchLexical(ctx, query, pool)
		}()
	}
	wg.Wait()

	if vecErr != nil {
		return nil, 0, fmt.Errorf("vector search: %w", vecErr)
	}
	if lexErr != nil {
		return nil, 0, fmt.Errorf("lexical search: %w", lexErr)
	}

	fused := fuse(vecMatches, lexHits, weights)
	total := len(fused)
	if total == 0 {
		return []Result{}, 0, nil
	}

	chunkIDs := make([]string, len(fused))
	for i, c := range fused {
		chunkIDs[i] = c.chunkID
	}
	chunks, err := s.store.GetChunksByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("load chunks: %w", err)
	}

	if opts.Rerank && s.reranker != nil && s.reranker.Enabled() {
		fused = s.rerankHead(ctx, query, fused, chunks, rerankTopN)
	}

	docIDs := make([]string, 0, len(fused))
	seen := map[string]bool{}
	for _, c := range fused {
		if !seen[c.docID] {
			seen[c.docID] = true
			docIDs = append(docIDs, c.docID)
		}
	}
	docs, err := s.store.GetMany(ctx, docIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("load documents: %w", err)
	}

	// Paginate only after reranking so page boundaries follow the order
	// actually presented.
	if opts.Offset >= len(fused) {
		return []Result{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(fused) {
		end = len(fused)
	}
	page := fused[opts.Offset:end]

	results := make([]Result, 0, len(page))
	for _, c := range page {
		chunk, ok := chunks[c.chunkID]
		if !ok {
			// The index can briefly trail the metadata store after a delete.
			slog.WarnContext(ctx, "chunk missing from store", "chunk_id", c.chunkID)
			continue
		}
		doc := docs[c.docID]
		results = append(results, Result{
			ChunkID:  c.chunkID,
			DocID:    c.docID,
			Title:    doc.Title,
			Score:    c.score,
			Snippet:  snippet(chunk.Text),
			Metadata: doc.Metadata,
		})
	}
	return results, total, nil
}

type candidate struct {
	chunkID string
	docID   string
	score   float64
}

// fuse min-max normalizes each score list over the candidate pool and
// combines them with the configured weights. Ties break by chunk_id so the
// order is deterministic.
func fuse(vec []index.Match, lex []document.LexicalHit, w Weights) []candidate {
	vecNorm := normalizeMatches(vec)
	lexNorm := normalizeHits(lex)

	byID := map[string]*candidate{}
	for _, m := range vec {
		byID[m.ChunkID] = &candidate{
			chunkID: m.ChunkID,
			docID:   m.DocID,
			score:   w.Vector * vecNorm[m.ChunkID],
		}
	}
	for _, h := range lex {
		if c, ok := byID[h.ChunkID]; ok {
			c.score += w.Lexical * lexNorm[h.ChunkID]
			continue
		}
		byID[h.ChunkID] = &candidate{
			chunkID: h.ChunkID,
			docID:   h.DocID,
			score:   w.Lexical * lexNorm[h.ChunkID],
		}
	}

	fused := make([]candidate, 0, len(byID))
	for _, c := range byID {
		fused = append(fused, *c)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].chunkID < fused[j].chunkID
	})
	return fused
}

func normalizeMatches(matches []index.Match) map[string]float64 {
	scores := make(map[string]float64, len(matches))
	for _, m := range matches {
		scores[m.ChunkID] = m.Score
	}
	return minMax(scores)
}

func normalizeHits(hits []document.LexicalHit) map[string]float64 {
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h.ChunkID] = h.Score
	}
	return minMax(scores)
}

func minMax(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return scores
	}
	first := true
	var lo, hi float64
	for _, s := range scores {
		if first {
			lo, hi = s, s
			first = false
			continue
		}
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}

	out := make(map[string]float64, len(scores))
	if hi == lo {
		// A flat list carries no ranking signal; weight every entry fully.
		for id := range scores {
			out[id] = 1
		}
		return out
	}
	for id, s := range scores {
		out[id] = (s - lo) / (hi - lo)
	}
	return out
}

// rerankHead reorders the top of the fused pool by cross-encoder score.
// Failure is non-fatal: the fused order is returned unchanged.
func (s *Service) rerankHead(ctx context.Context, query string, fused []candidate, chunks map[string]document.Chunk, topN int) []candidate {
	n := topN
	if n > len(fused) {
		n = len(fused)
	}
	head := fused[:n]

	texts := make([]string, n)
	for i, c := range head {
		texts[i] = chunks[c.chunkID].Text
	}

	reranked, err := s.reranker.Rerank(ctx, query, texts)
	if err != nil {
		slog.WarnContext(ctx, "rerank failed, keeping fused order", "error", err)
		return fused
	}

	reordered := make([]candidate, 0, len(fused))
	taken := make([]bool, n)
	for _, r := range reranked {
		if r.Index < 0 || r.Index >= n || taken[r.Index] {
			continue
		}
		taken[r.Index] = true
		c := head[r.Index]
		c.score = r.Score
		reordered = append(reordered, c)
	}
	// Candidates the provider dropped keep their fused position.
	for i, c := range head {
		if !taken[i] {
			reordered = append(reordered, c)
		}
	}
	return append(reordered, fused[n:]...)
}

// snippet truncates to snippetLength bytes, backing up so a multi-byte rune
// is never split.
func snippet(text string) string {
	if len(text) <= snippetLength {
		return text
	}
	cut := snippetLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
