package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ─────────────────────────────────────────────────────────────
// Error taxonomy shared by the stores, the puller, and the API.
// ─────────────────────────────────────────────────────────────

const (
	CodeNotFound           = "not_found"
	CodeInvalid            = "invalid"
	CodeTypeMismatch       = "type_mismatch"
	CodeTransientSource    = "transient_source"
	CodeTimeBudgetExceeded = "time_budget_exceeded"
	CodeQueueFull          = "queue_full"
	CodeInternal           = "internal"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalid            = errors.New("invalid input")
	ErrQueueFull          = errors.New("queue full")
	ErrQueueClosed        = errors.New("queue closed")
	ErrTimeBudgetExceeded = errors.New("time budget exceeded")
)

// AppError carries a stable code alongside a human message.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Cause: ErrNotFound}
}

// Invalid wraps ErrInvalid with a formatted message.
func Invalid(format string, args ...any) error {
	return &AppError{Code: CodeInvalid, Message: fmt.Sprintf(format, args...), Cause: ErrInvalid}
}

// ── Typed errors ───────────────────────────────────────────

// TypeMismatchError is raised when a raw value cannot be coerced to a
// field's type. It is per-field: callers null the field and keep going.
type TypeMismatchError struct {
	Field string
	Type  string
	Value any
	Cause error
}

func (e *TypeMismatchError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cannot coerce %q to %s", fmt.Sprint(e.Value), e.Type)
	}
	return fmt.Sprintf("field %s: cannot coerce %q to %s", e.Field, fmt.Sprint(e.Value), e.Type)
}

func (e *TypeMismatchError) Unwrap() error { return e.Cause }

// TransientSourceError reports an external call that kept failing with a
// retryable status until the attempt budget ran out.
type TransientSourceError struct {
	Op       string
	Status   int
	Attempts int
	Cause    error
}

func (e *TransientSourceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d after %d attempt(s)", e.Op, e.Status, e.Attempts)
	}
	return fmt.Sprintf("%s: %v after %d attempt(s)", e.Op, e.Cause, e.Attempts)
}

func (e *TransientSourceError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a TransientSourceError.
func IsTransient(err error) bool {
	var t *TransientSourceError
	return errors.As(err, &t)
}

// ── Classification ─────────────────────────────────────────

// Code returns the structured error code for err.
func Code(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	var tm *TypeMismatchError
	var ts *TransientSourceError
	switch {
	case errors.As(err, &tm):
		return CodeTypeMismatch
	case errors.As(err, &ts):
		return CodeTransientSource
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrQueueClosed):
		return CodeQueueFull
	case errors.Is(err, ErrTimeBudgetExceeded):
		return CodeTimeBudgetExceeded
	}
	return CodeInternal
}

// HTTPStatus maps err to the status code synchronous endpoints return.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalid, CodeTypeMismatch:
		return http.StatusBadRequest
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	case CodeTransientSource:
		return http.StatusBadGateway
	case CodeTimeBudgetExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Message returns the user-facing part of err.
func Message(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
