// Package apperr defines the error taxonomy shared across the service.
// Handlers translate these into HTTP status codes and structured bodies;
// everything else wraps them with fmt.Errorf("...: %w", ...).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidInput marks malformed requests. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a missing doc_id or chunk_id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a concurrent ingestion of the same doc_id.
	ErrConflict = errors.New("conflict")

	// ErrDimensionMismatch marks a vector whose dimension disagrees with the
	// index. Configuration drift; the operator must reindex.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrResourceExhausted marks pool or queue capacity limits. Retry later.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrStorage marks an underlying store failure. The enclosing transaction
	// is rolled back, no partial writes stay visible.
	ErrStorage = errors.New("storage failure")
)

// EmbedReason classifies embedding-provider failures.
type EmbedReason string

const (
	ReasonRateLimited          EmbedReason = "rate_limited"
	ReasonAuthenticationFailed EmbedReason = "authentication_failed"
	ReasonUnavailable          EmbedReason = "unavailable"
)

// EmbedError is returned by embedding providers after retries are exhausted.
type EmbedError struct {
	Reason EmbedReason
	Err    error
}

func (e *EmbedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding provider %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("embedding provider %s", e.Reason)
}

func (e *EmbedError) Unwrap() error { return e.Err }

// NewEmbedError wraps err with a provider failure classification.
func NewEmbedError(reason EmbedReason, err error) *EmbedError {
	return &EmbedError{Reason: reason, Err: err}
}

// Code returns the machine-readable error code used in response envelopes.
func Code(err error) string {
	var ee *EmbedError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrDimensionMismatch):
		return "DIMENSION_MISMATCH"
	case errors.Is(err, ErrResourceExhausted):
		return "RESOURCE_EXHAUSTED"
	case errors.As(err, &ee):
		return "EMBEDDING_PROVIDER_ERROR"
	case errors.Is(err, ErrStorage):
		return "STORAGE_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps an error to its transport status.
func HTTPStatus(err error) int {
	var ee *EmbedError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrDimensionMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.As(err, &ee):
		if ee.Reason == ReasonAuthenticationFailed {
			return http.StatusBadGateway
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
