package engine

import (
	"errors"
	"fmt"
	"time"

	"relay-backend/internal/gateway"
)

type AppError struct {
	Code      string        `json:"code"`
	Status    int           `json:"-"`
	Message   string        `json:"message"`
	Details   []ErrorDetail `json:"details,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(what, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", what, id),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_ERROR",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

// TenantViolationError is the hard failure for cross-tenant access.
func TenantViolationError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED_ACCESS", Status: 403, Message: msg}
}

// RateLimitError carries the reset time so callers know when to retry.
func RateLimitError(resetTime time.Time) *AppError {
	return &AppError{
		Code:      "RATE_LIMIT_EXCEEDED",
		Status:    429,
		Message:   fmt.Sprintf("Rate limit exceeded, resets at %s", resetTime.UTC().Format(time.RFC3339)),
		Retryable: true,
	}
}

// ExecutionLimitError signals the concurrent-execution ceiling was hit.
// The request is refused, not queued.
func ExecutionLimitError(limit int) *AppError {
	return &AppError{
		Code:      "EXECUTION_LIMIT_EXCEEDED",
		Status:    503,
		Message:   fmt.Sprintf("Maximum concurrent executions (%d) reached", limit),
		Retryable: true,
	}
}

// FromGatewayError maps a normalized data-access error onto the HTTP
// surface taxonomy.
func FromGatewayError(err error) *AppError {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		return &AppError{Code: "INTERNAL_ERROR", Status: 500, Message: err.Error()}
	}
	switch ge.Code {
	case gateway.CodeUnauthorized:
		return TenantViolationError(ge.Message)
	case gateway.CodeNotFound:
		return &AppError{Code: "NOT_FOUND", Status: 404, Message: ge.Message}
	case gateway.CodeConflict:
		return &AppError{Code: "CONFLICT", Status: 409, Message: ge.Message}
	case gateway.CodeValidation:
		return &AppError{Code: "VALIDATION_ERROR", Status: 422, Message: ge.Message}
	default:
		return &AppError{
			Code:      "STORAGE_ERROR",
			Status:    503,
			Message:   ge.Message,
			Retryable: ge.Retryable,
		}
	}
}
