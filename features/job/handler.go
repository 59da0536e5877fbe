package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"corpusd/internal/apperr"
	"corpusd/internal/middleware"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// Get serves the poll endpoint for asynchronous ingestion.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID := r.PathValue("doc_id")
	if docID == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "doc_id is required", http.StatusBadRequest)
		return
	}

	j, err := h.repo.Get(ctx, docID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "No ingestion job for "+docID, http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to fetch job", "doc_id", docID, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": j}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
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
