package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"relay-backend/internal/store"
)

// Error code taxonomy for normalized data-access failures.
const (
	CodeUnauthorized = "UNAUTHORIZED_ACCESS"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeValidation   = "VALIDATION_ERROR"
	CodeStorage      = "STORAGE_ERROR"
)

// Error is the normalized form every gateway failure takes.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a non-retryable gateway error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// UnauthorizedAccess marks a tenant-boundary violation. Never retryable,
// never silently filtered.
func UnauthorizedAccess(detail string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Message: "Record belongs to a different tenant",
		Details: detail,
	}
}

// Normalize maps any error into the gateway taxonomy. Already-normalized
// errors pass through unchanged.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: "Record not found"}
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		return &Error{Code: CodeConflict, Message: "Record already exists", Details: err.Error()}
	}
	return &Error{
		Code:      CodeStorage,
		Message:   "Data access failed",
		Details:   err.Error(),
		Retryable: isTransient(err),
	}
}

// isTransient reports whether an error looks like a temporary storage or
// network condition worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset", "connection refused", "broken pipe",
		"i/o timeout", "temporarily unavailable", "too many connections",
		"database is locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
