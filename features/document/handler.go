package document

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"corpusd/internal/apperr"
	"corpusd/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")
	if docID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "doc_id is required", http.StatusBadRequest)
		return
	}

	detail, err := h.service.Get(r.Context(), docID)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": detail}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")
	if docID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "doc_id is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Delete(r.Context(), docID); err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]string{"doc_id": docID, "status": "deleted"},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "operation failed", "error", err)
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
