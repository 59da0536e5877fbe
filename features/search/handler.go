// Package search exposes the query endpoint over the retrieval pipeline.
package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"corpusd/internal/apperr"
	"corpusd/internal/middleware"
	"corpusd/internal/retrieval"
	"corpusd/internal/settings"
)

const defaultTopK = 10

// Searcher is the slice of the retrieval service the handler needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, int, error)
}

// Metrics receives per-request observations. Optional.
type Metrics interface {
	ObserveSearch(d time.Duration, err error)
}

type Handler struct {
	service Searcher
	metrics Metrics

	rerankDefault atomic.Bool
}

func NewHandler(service Searcher, metrics Metrics) *Handler {
	return &Handler{service: service, metrics: metrics}
}

// ApplySettings picks up live search settings; register it with
// settings.Service.OnSearchChange and call it once at boot.
func (h *Handler) ApplySettings(ss settings.SearchSettings) {
	h.rerankDefault.Store(ss.RerankEnabled)
}

type request struct {
	Query  string `json:"q"`
	TopK   int    `json:"top_k"`
	Hybrid *bool  `json:"hybrid"`
	Rerank *bool  `json:"rerank"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	opts := retrieval.Options{
		TopK:   req.TopK,
		Hybrid: true,
		Rerank: h.rerankDefault.Load(),
		Offset: req.Offset,
		Limit:  req.Limit,
	}
	if opts.TopK == 0 {
		opts.TopK = defaultTopK
	}
	if opts.Limit == 0 {
		opts.Limit = opts.TopK
	}
	if req.Hybrid != nil {
		opts.Hybrid = *req.Hybrid
	}
	if req.Rerank != nil {
		opts.Rerank = *req.Rerank
	}

	results, total, err := h.service.Search(ctx, req.Query, opts)
	if h.metrics != nil {
		h.metrics.ObserveSearch(time.Since(start), err)
	}
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"query":          req.Query,
			"results":        results,
			"total_count":    total,
			"offset":         opts.Offset,
			"limit":          opts.Limit,
			"search_time_ms": time.Since(start).Milliseconds(),
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "search failed", "error", err)
		h.writeError(ctx, w, apperr.Code(err), "Internal Server Error", status)
		return
	}
	h.writeError(ctx, w, apperr.Code(err), err.Error(), status)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
