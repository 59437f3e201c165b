package api

import (
	"net/http"
	"strings"

	"github.com/TimurManjosov/flageval/internal/evaluation"
	"github.com/TimurManjosov/flageval/internal/user"
)

// handleEvaluate handles POST /v1/environments/{env}/evaluations
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}

	var req EvaluationRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	// Validate user is provided
	if req.User == nil || strings.TrimSpace(req.User.ID) == "" {
		BadRequestErrorWithFields(w, r, ErrCodeMissingField, "Missing required field", map[string]string{
			"user.id": "user.id is required",
		})
		return
	}
	u := &user.User{ID: req.User.ID, Data: req.User.Data}

	var (
		out  *evaluation.UserEvaluations
		etag string
		err  error
	)
	delta := req.UserEvaluationsID != "" && req.EvaluatedAt > 0 && req.FeatureID == ""
	if delta {
		out, etag, err = s.evaluator.EvaluateChanges(r.Context(), env, u, req.Tag, evaluation.Previous{
			ID:                    req.UserEvaluationsID,
			EvaluatedAt:           req.EvaluatedAt,
			UserAttributesUpdated: req.UserAttributesUpdated,
		})
	} else {
		out, etag, err = s.evaluator.EvaluateFeatures(r.Context(), env, u, req.Tag, req.FeatureID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	state := StateFull
	if delta && !out.ForceUpdate {
		state = StatePartial
	}
	writeJSON(w, http.StatusOK, EvaluationResponse{
		State:             state,
		UserEvaluationsID: out.ID,
		Evaluations:       out,
		ETag:              etag,
	})
}
