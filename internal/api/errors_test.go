package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/evaluation"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/trigger"
	"github.com/TimurManjosov/flageval/internal/validation"
)

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeInvalidEnv, "Invalid environment namespace")

	if resp.Error != "Bad Request" {
		t.Errorf("Expected Error 'Bad Request', got '%s'", resp.Error)
	}
	if resp.Message != "Invalid environment namespace" {
		t.Errorf("Expected Message 'Invalid environment namespace', got '%s'", resp.Message)
	}
	if resp.Code != ErrCodeInvalidEnv {
		t.Errorf("Expected Code ErrCodeInvalidEnv, got '%s'", resp.Code)
	}
}

func TestErrorResponse_WithFields(t *testing.T) {
	fields := map[string]string{
		"id":              "id is required",
		"defaultStrategy": "unknown variation",
	}

	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, "Validation failed").
		WithFields(fields)

	if len(resp.Fields) != 2 {
		t.Errorf("Expected 2 fields, got %d", len(resp.Fields))
	}
	if resp.Fields["id"] != "id is required" {
		t.Errorf("Expected field 'id' to be 'id is required', got '%s'", resp.Fields["id"])
	}
}

func TestErrorResponse_WithRequestID(t *testing.T) {
	resp := NewErrorResponse(http.StatusInternalServerError, ErrCodeInternal, "Internal error").
		WithRequestID("req-123")

	if resp.RequestID != "req-123" {
		t.Errorf("Expected RequestID 'req-123', got '%s'", resp.RequestID)
	}
}

func TestValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/features", nil)

	fields := map[string]string{
		"id": "id is required",
	}

	ValidationError(w, r, "Validation failed", fields)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Code != ErrCodeValidation {
		t.Errorf("Expected Code ErrCodeValidation, got '%s'", resp.Code)
	}
	if resp.Fields["id"] != "id is required" {
		t.Errorf("Expected field 'id' error, got '%s'", resp.Fields["id"])
	}
}

func TestBadRequestError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/features", nil)

	BadRequestError(w, r, ErrCodeInvalidJSON, "Invalid JSON")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Code != ErrCodeInvalidJSON {
		t.Errorf("Expected Code ErrCodeInvalidJSON, got '%s'", resp.Code)
	}
	if resp.Message != "Invalid JSON" {
		t.Errorf("Expected message 'Invalid JSON', got '%s'", resp.Message)
	}
}

func TestUnauthorizedError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/features", nil)

	UnauthorizedError(w, r, "Missing authentication")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Code != ErrCodeUnauthorized {
		t.Errorf("Expected Code ErrCodeUnauthorized, got '%s'", resp.Code)
	}
}

func TestForbiddenError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/features", nil)

	ForbiddenError(w, r, "Insufficient permissions")

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Code != ErrCodeForbidden {
		t.Errorf("Expected Code ErrCodeForbidden, got '%s'", resp.Code)
	}
}

func TestInternalError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/features", nil)

	InternalError(w, r, "Database connection failed")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Code != ErrCodeInternal {
		t.Errorf("Expected Code ErrCodeInternal, got '%s'", resp.Code)
	}
}

func TestNotFoundError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/flags/unknown", nil)

	NotFoundError(w, r, "Flag not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Code != ErrCodeNotFound {
		t.Errorf("Expected Code ErrCodeNotFound, got '%s'", resp.Code)
	}
}

func TestRequestTooLargeError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/features", nil)

	RequestTooLargeError(w, r, "Request body exceeds limit")

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Code != ErrCodeRequestTooLarge {
		t.Errorf("Expected Code ErrCodeRequestTooLarge, got '%s'", resp.Code)
	}
}

func TestErrorResponseContentType(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/features", nil)

	BadRequestError(w, r, ErrCodeInvalidJSON, "Invalid JSON")

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", contentType)
	}
}

func TestUnavailableError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/environments/prod/snapshot", nil)

	UnavailableError(w, r, "not loaded")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  ErrorCode
	}{
		{"validation", &validation.Error{Fields: map[string]string{"id": "bad"}}, http.StatusBadRequest, ErrCodeValidation},
		{"not loaded", fmt.Errorf("prod: %w", ErrEnvironmentNotLoaded), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"store not found", fmt.Errorf("x: %w", store.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"feature not found", evaluation.ErrFeatureNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"rule not found", command.ErrRuleNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"exists", store.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
		{"version conflict", store.ErrVersionConflict, http.StatusConflict, ErrCodeConflict},
		{"read only", store.ErrReadOnly, http.StatusConflict, ErrCodeReadOnly},
		{"in use", command.ErrFeatureInUse, http.StatusConflict, ErrCodeConflict},
		{"cycle", command.ErrDependencyCycle, http.StatusConflict, ErrCodeConflict},
		{"unknown command", command.ErrUnknownCommand, http.StatusBadRequest, ErrCodeUnknownCommand},
		{"invalid command", command.ErrInvalidCommand, http.StatusBadRequest, ErrCodeInvalidCommand},
		{"trigger token", trigger.ErrUnauthenticated, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"broken flag", engine.ErrDefaultStrategyNotFound, http.StatusInternalServerError, ErrCodeCorruptSnapshot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if !writeDomainError(w, r, tt.err) {
				t.Fatalf("writeDomainError(%v) = false", tt.err)
			}
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != tt.wantErr {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantErr)
			}
		})
	}

	w := httptest.NewRecorder()
	if writeDomainError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom")) {
		t.Error("unexpected mapping for an unknown error")
	}
}
