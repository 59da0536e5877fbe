package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"corpusd/internal/apperr"
	"corpusd/internal/middleware"
)

// PingFunc checks reachability of a database DSN. Swappable in tests.
type PingFunc func(ctx context.Context, dsn string) error

// DefaultPing opens a throwaway connection and pings it.
func DefaultPing(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}

type Handler struct {
	service *Service
	ping    PingFunc
}

func NewHandler(service *Service, ping PingFunc) *Handler {
	if ping == nil {
		ping = DefaultPing
	}
	return &Handler{service: service, ping: ping}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, err := h.service.Get(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data":    s,
		"applies": Applies,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var patch Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := h.service.Update(ctx, patch)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidInput) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "failed to update settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data":    updated,
		"applies": Applies,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// ValidateDB checks that a candidate database URL works before the operator
// commits it. The stored config is never mutated.
func (h *Handler) ValidateDB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "url is required", http.StatusBadRequest)
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") || u.Host == "" {
		h.writeValid(ctx, w, nil, false, "url must be a postgres:// connection URL")
		return
	}

	port := u.Port()
	if port == "" {
		port = "5432"
	}
	detail := map[string]interface{}{
		"host":   u.Hostname(),
		"port":   port,
		"user":   u.User.Username(),
		"dbname": strings.TrimPrefix(u.Path, "/"),
	}

	if err := h.ping(ctx, req.URL); err != nil {
		h.writeValid(ctx, w, detail, false, err.Error())
		return
	}
	h.writeValid(ctx, w, detail, true, "connection ok")
}

func (h *Handler) writeValid(ctx context.Context, w http.ResponseWriter, detail map[string]interface{}, valid bool, message string) {
	data := map[string]interface{}{"valid": valid, "message": message}
	for k, v := range detail {
		data[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
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
