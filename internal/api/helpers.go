package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/TimurManjosov/flageval/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// maxRequestBodySize bounds every JSON request body.
const maxRequestBodySize = 1 << 20

// ===== HTTP Helpers =====

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body into v. On failure the error
// response has been written and false is returned. An empty body decodes
// to the zero value when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			RequestTooLargeError(w, r, "Request body exceeds 1MB limit")
		case errors.Is(err, io.EOF) && allowEmpty:
			return true
		case errors.Is(err, io.EOF):
			BadRequestError(w, r, ErrCodeInvalidJSON, "Request body is required")
		default:
			BadRequestError(w, r, ErrCodeInvalidJSON, "Invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

// environment returns the validated {env} path parameter. On failure the
// error response has been written.
func environment(w http.ResponseWriter, r *http.Request) (string, bool) {
	env := chi.URLParam(r, "env")
	if res := validation.ValidateEnv(env); !res.Valid {
		BadRequestErrorWithFields(w, r, ErrCodeInvalidEnv, "Invalid environment namespace", res.Errors)
		return "", false
	}
	return env, true
}

// writeError answers err with the matching structured response, logging
// anything unexpected.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if writeDomainError(w, r, err) {
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	InternalError(w, r, "internal error")
}
