// Package ingest exposes the document ingestion endpoint.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"corpusd/internal/apperr"
	"corpusd/internal/ingest"
	"corpusd/internal/middleware"
)

// Ingestor is the slice of the coordinator the handler needs.
type Ingestor interface {
	IngestSync(ctx context.Context, req ingest.Request) (int, error)
	IngestAsync(ctx context.Context, req ingest.Request) error
}

// Metrics receives per-request observations. Optional.
type Metrics interface {
	ObserveIngest(d time.Duration, err error)
}

type Handler struct {
	coordinator    Ingestor
	metrics        Metrics
	maxUploadBytes int64
}

func NewHandler(coordinator Ingestor, metrics Metrics, maxUploadBytes int64) *Handler {
	return &Handler{coordinator: coordinator, metrics: metrics, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(ctx, w, "VALIDATION_ERROR", "upload exceeds size limit", http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(ctx, w, "VALIDATION_ERROR", "expected multipart form data", http.StatusBadRequest)
		return
	}

	req := ingest.Request{
		DocID: r.FormValue("doc_id"),
		Title: r.FormValue("title"),
		Text:  r.FormValue("text"),
	}

	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "metadata must be a JSON object", http.StatusBadRequest)
			return
		}
	}

	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "failed to read upload", http.StatusBadRequest)
			return
		}
		req.Filename = header.Filename
		req.FileData = data
	}

	var sync bool
	if raw := r.FormValue("sync"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "sync must be a boolean", http.StatusBadRequest)
			return
		}
		sync = parsed
	}

	if sync {
		chunkCount, err := h.coordinator.IngestSync(ctx, req)
		if h.metrics != nil {
			h.metrics.ObserveIngest(time.Since(start), err)
		}
		if err != nil {
			h.writeServiceError(ctx, w, err)
			return
		}
		h.writeData(w, http.StatusOK, map[string]interface{}{
			"doc_id":      req.DocID,
			"chunk_count": chunkCount,
			"message":     "document ingested",
		})
		return
	}

	err := h.coordinator.IngestAsync(ctx, req)
	if h.metrics != nil {
		h.metrics.ObserveIngest(time.Since(start), err)
	}
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeData(w, http.StatusAccepted, map[string]interface{}{
		"doc_id": req.DocID,
		"status": "started",
	})
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "ingestion failed", "error", err)
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
