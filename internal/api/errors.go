package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/evaluation"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/trigger"
	"github.com/TimurManjosov/flageval/internal/validation"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrorCode represents machine-readable error codes
type ErrorCode string

const (
	// General error codes
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeRequestTooLarge ErrorCode = "REQUEST_TOO_LARGE"
	ErrCodeUnavailable     ErrorCode = "SNAPSHOT_UNAVAILABLE"
	ErrCodeCorruptSnapshot ErrorCode = "CORRUPT_SNAPSHOT"

	// Validation error codes
	ErrCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidJSON    ErrorCode = "INVALID_JSON"
	ErrCodeMissingField   ErrorCode = "MISSING_FIELD"
	ErrCodeInvalidEnv     ErrorCode = "INVALID_ENV"
	ErrCodeInvalidCommand ErrorCode = "INVALID_COMMAND"
	ErrCodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"
	ErrCodeReadOnly       ErrorCode = "READ_ONLY_STORE"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error     string            `json:"error"`                // HTTP status text
	Message   string            `json:"message"`              // Human-readable description
	Code      ErrorCode         `json:"code"`                 // Machine-readable error code
	Fields    map[string]string `json:"fields,omitempty"`     // Field-level errors
	RequestID string            `json:"request_id,omitempty"` // Request ID for debugging
}

// NewErrorResponse creates a new error response
func NewErrorResponse(statusCode int, code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	}
}

// WithFields adds field-level errors to the response
func (e *ErrorResponse) WithFields(fields map[string]string) *ErrorResponse {
	e.Fields = fields
	return e
}

// WithRequestID adds a request ID to the response
func (e *ErrorResponse) WithRequestID(requestID string) *ErrorResponse {
	e.RequestID = requestID
	return e
}

// writeErrorResponse writes a structured error response to the http response writer
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp *ErrorResponse) {
	// Add request ID from chi middleware if available
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		errResp.RequestID = reqID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errResp)
}

// ValidationError creates a validation error response with field-level details
func ValidationError(w http.ResponseWriter, r *http.Request, message string, fields map[string]string) {
	errResp := NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, message).
		WithFields(fields)
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

// BadRequestError creates a bad request error response
func BadRequestError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	errResp := NewErrorResponse(http.StatusBadRequest, code, message)
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

// BadRequestErrorWithFields creates a bad request error with field-level details
func BadRequestErrorWithFields(w http.ResponseWriter, r *http.Request, code ErrorCode, message string, fields map[string]string) {
	errResp := NewErrorResponse(http.StatusBadRequest, code, message).
		WithFields(fields)
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

// UnauthorizedError creates an unauthorized error response
func UnauthorizedError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusUnauthorized, ErrCodeUnauthorized, message)
	writeErrorResponse(w, r, http.StatusUnauthorized, errResp)
}

// ForbiddenError creates a forbidden error response
func ForbiddenError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusForbidden, ErrCodeForbidden, message)
	writeErrorResponse(w, r, http.StatusForbidden, errResp)
}

// InternalError creates an internal server error response
func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusInternalServerError, ErrCodeInternal, message)
	writeErrorResponse(w, r, http.StatusInternalServerError, errResp)
}

// NotFoundError creates a not found error response
func NotFoundError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusNotFound, ErrCodeNotFound, message)
	writeErrorResponse(w, r, http.StatusNotFound, errResp)
}

// ConflictError creates a conflict error response
func ConflictError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	errResp := NewErrorResponse(http.StatusConflict, code, message)
	writeErrorResponse(w, r, http.StatusConflict, errResp)
}

// RequestTooLargeError creates a request entity too large error response
func RequestTooLargeError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge, message)
	writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, errResp)
}

// UnavailableError tells the caller to retry once a snapshot is loaded.
func UnavailableError(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Retry-After", "1")
	errResp := NewErrorResponse(http.StatusServiceUnavailable, ErrCodeUnavailable, message)
	writeErrorResponse(w, r, http.StatusServiceUnavailable, errResp)
}

// RateLimitedError is the response of the httprate limiters.
func RateLimitedError(w http.ResponseWriter, r *http.Request) {
	errResp := NewErrorResponse(http.StatusTooManyRequests, ErrCodeRateLimited, "Too many requests")
	writeErrorResponse(w, r, http.StatusTooManyRequests, errResp)
}

// writeDomainError maps errors of the command, evaluation and trigger
// packages to responses. Unknown errors are logged by the caller and
// answered with 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) bool {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		ValidationError(w, r, "Validation failed for one or more fields", verr.Fields)
	case errors.Is(err, ErrEnvironmentNotLoaded):
		UnavailableError(w, r, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, evaluation.ErrFeatureNotFound),
		errors.Is(err, command.ErrRuleNotFound), errors.Is(err, command.ErrClauseNotFound):
		NotFoundError(w, r, err.Error())
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrVersionConflict):
		ConflictError(w, r, ErrCodeConflict, err.Error())
	case errors.Is(err, store.ErrReadOnly):
		ConflictError(w, r, ErrCodeReadOnly, err.Error())
	case errors.Is(err, command.ErrVariationInUse), errors.Is(err, command.ErrFeatureInUse),
		errors.Is(err, command.ErrSegmentInUse), errors.Is(err, command.ErrDependencyCycle):
		ConflictError(w, r, ErrCodeConflict, err.Error())
	case errors.Is(err, command.ErrUnknownCommand):
		BadRequestError(w, r, ErrCodeUnknownCommand, err.Error())
	case errors.Is(err, command.ErrInvalidCommand), errors.Is(err, command.ErrVariationMissing):
		BadRequestError(w, r, ErrCodeInvalidCommand, err.Error())
	case errors.Is(err, trigger.ErrUnauthenticated):
		UnauthorizedError(w, r, "invalid trigger token")
	case errors.Is(err, engine.ErrVariationNotFound), errors.Is(err, engine.ErrDefaultStrategyNotFound):
		errResp := NewErrorResponse(http.StatusInternalServerError, ErrCodeCorruptSnapshot, err.Error())
		writeErrorResponse(w, r, http.StatusInternalServerError, errResp)
	default:
		return false
	}
	return true
}
