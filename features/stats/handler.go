package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"corpusd/internal/middleware"
)

type Handler struct {
	docs    DocCounter
	jobs    JobCounter
	index   IndexInfo
	metrics *Metrics
	info    Info
}

func NewHandler(docs DocCounter, jobs JobCounter, index IndexInfo, metrics *Metrics, info Info) *Handler {
	return &Handler{docs: docs, jobs: jobs, index: index, metrics: metrics, info: info}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	docCount, err := h.docs.Count(ctx)
	if err != nil {
		h.fail(ctx, w, "count documents", err)
		return
	}
	chunkCount, err := h.docs.ChunkCount(ctx)
	if err != nil {
		h.fail(ctx, w, "count chunks", err)
		return
	}
	jobCounts, err := h.jobs.CountByState(ctx)
	if err != nil {
		h.fail(ctx, w, "count jobs", err)
		return
	}
	vectorCount, err := h.index.Count(ctx)
	if err != nil {
		h.fail(ctx, w, "count vectors", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"status":         "ok",
			"uptime_seconds": int(time.Since(h.info.StartedAt).Seconds()),
			"documents":      docCount,
			"chunks":         chunkCount,
			"jobs":           jobCounts,
			"vector": map[string]interface{}{
				"backend":   h.info.Backend,
				"count":     vectorCount,
				"dimension": h.index.Dimension(),
			},
			"embedding": map[string]interface{}{
				"provider": h.info.Provider,
				"model":    h.info.Model,
			},
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": h.metrics.Snapshot(),
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	slog.ErrorContext(ctx, "status probe failed", "op", op, "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    "INTERNAL_ERROR",
			"message": "Internal Server Error",
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
