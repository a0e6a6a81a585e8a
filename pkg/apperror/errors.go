package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Security & Authentication (SEC) ----

// ErrInvalidSignature is returned only when the source is configured with
// the reject-invalid policy; the default policy accepts and audits instead.
func ErrInvalidSignature() *AppError {
	return New("SEC_001", "Invalid webhook signature", http.StatusUnauthorized)
}

func ErrInvalidToken() *AppError {
	return New("SEC_002", "Invalid or expired operator token", http.StatusUnauthorized)
}

// ---- Events (EVT) ----

func ErrEventNotFound() *AppError {
	return New("EVT_001", "Webhook event not found", http.StatusNotFound)
}

func ErrEventNotRetryable(status string) *AppError {
	return New("EVT_002", fmt.Sprintf("Event in status %q cannot be retried", status), http.StatusConflict)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- Processing (PROC) ----

// ErrProcessingFailed marks a transient processing failure; it feeds the
// retry scheduler and never reaches a webhook caller.
func ErrProcessingFailed(err error) *AppError {
	return Wrap("PROC_001", "Event processing failed", http.StatusInternalServerError, err)
}

// ErrRetriesExhausted marks a permanent failure: the retry budget is spent
// and the event is dead. Requires operator attention.
func ErrRetriesExhausted(err error) *AppError {
	return Wrap("PROC_002", "Retry budget exhausted", http.StatusInternalServerError, err)
}

// ---- System & Infrastructure (SYS) ----

// ErrStoreUnavailable signals that the coordination store is down. Ingestion
// fails closed on this: dedup and rate limiting cannot be trusted without it,
// and the provider's own retry is the correct recovery path.
func ErrStoreUnavailable(err error) *AppError {
	return Wrap("SYS_001", "Event store unavailable", http.StatusServiceUnavailable, err)
}

// InternalError wraps an internal error as a SYS_002 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_002", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a request validation error.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}

// ErrPayloadTooLarge rejects webhook bodies over the configured cap.
func ErrPayloadTooLarge(limit int64) *AppError {
	return New("VAL_002", fmt.Sprintf("Request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
}
