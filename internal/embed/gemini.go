package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"corpusd/internal/apperr"
)

var geminiDimensions = map[string]int{
	"gemini-embedding-001": 3072,
	"text-embedding-004":   768,
}

// The API caps a batch embed request at 100 entries.
const geminiSubBatch = 100

// Gemini embeds via the Gemini embedding API. Transient failures are retried
// with exponential backoff up to maxAttempts; auth failures are not retried.
type Gemini struct {
	client      *genai.Client
	model       string
	dimension   int
	maxAttempts int
	timeout     time.Duration
}

func NewGemini(ctx context.Context, apiKey, model string, maxAttempts int, timeout time.Duration, extra ...option.ClientOption) (*Gemini, error) {
	dim, ok := geminiDimensions[model]
	if !ok {
		return nil, fmt.Errorf("unsupported embedding model %q: %w", model, apperr.ErrInvalidInput)
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// An empty key leaves auth to the extra options, which lets tests point
	// the client at a fake endpoint without credentials.
	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init genai client: %w", err)
	}

	return &Gemini{
		client:      client,
		model:       model,
		dimension:   dim,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}, nil
}

func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("empty batch: %w", apperr.ErrInvalidInput)
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiSubBatch {
		end := start + geminiSubBatch
		if end > len(texts) {
			end = len(texts)
		}
		sub, err := g.embedSub(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, sub...)
	}
	return vectors, nil
}

func (g *Gemini) embedSub(ctx context.Context, texts []string) ([][]float32, error) {
	em := g.client.EmbeddingModel(g.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	var res *genai.BatchEmbedContentsResponse
	op := func() error {
		tctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		var err error
		res, err = em.BatchEmbedContents(tctx, batch)
		if err != nil {
			return classify(err)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(g.maxAttempts-1)), ctx))
	if err != nil {
		slog.ErrorContext(ctx, "batch embedding failed", "model", g.model, "batch_size", len(texts), "error", err)
		return nil, err
	}

	if len(res.Embeddings) != len(texts) {
		return nil, apperr.NewEmbedError(apperr.ReasonUnavailable,
			fmt.Errorf("got %d embeddings for %d texts", len(res.Embeddings), len(texts)))
	}

	vectors := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, apperr.NewEmbedError(apperr.ReasonUnavailable,
				fmt.Errorf("empty embedding at position %d", i))
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

func (g *Gemini) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty query: %w", apperr.ErrInvalidInput)
	}

	em := g.client.EmbeddingModel(g.model)

	var res *genai.EmbedContentResponse
	op := func() error {
		tctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		var err error
		res, err = em.EmbedContent(tctx, genai.Text(text))
		if err != nil {
			return classify(err)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(g.maxAttempts-1)), ctx))
	if err != nil {
		return nil, err
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, apperr.NewEmbedError(apperr.ReasonUnavailable, errors.New("empty embedding received"))
	}
	return res.Embedding.Values, nil
}

func (g *Gemini) Dimension() int { return g.dimension }

func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Close() error { return g.client.Close() }

// classify maps an API error to the provider failure taxonomy. Auth failures
// are wrapped as permanent so the retry loop stops immediately.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 429:
			return apperr.NewEmbedError(apperr.ReasonRateLimited, err)
		case 401, 403:
			return backoff.Permanent(apperr.NewEmbedError(apperr.ReasonAuthenticationFailed, err))
		}
	}
	return apperr.NewEmbedError(apperr.ReasonUnavailable, err)
}
