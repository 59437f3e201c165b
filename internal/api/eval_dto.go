package api

import "github.com/TimurManjosov/flageval/internal/evaluation"

// EvaluationRequest is the request payload for
// POST /v1/environments/{env}/evaluations.
//
// UserEvaluationsID and EvaluatedAt describe the bundle the client already
// holds; when both are set only the flags that may have changed are sent.
type EvaluationRequest struct {
	User                  *EvaluationUserDTO `json:"user"`
	Tag                   string             `json:"tag,omitempty"`
	FeatureID             string             `json:"featureId,omitempty"`
	UserEvaluationsID     string             `json:"userEvaluationsId,omitempty"`
	EvaluatedAt           int64              `json:"evaluatedAt,omitempty"`
	UserAttributesUpdated bool               `json:"userAttributesUpdated,omitempty"`
}

// EvaluationUserDTO is the API-layer user.
type EvaluationUserDTO struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data,omitempty"`
}

// Evaluation bundle states.
const (
	StateFull    = "FULL"
	StatePartial = "PARTIAL"
)

// EvaluationResponse is the response payload for
// POST /v1/environments/{env}/evaluations.
type EvaluationResponse struct {
	State             string                      `json:"state"`
	UserEvaluationsID string                      `json:"userEvaluationsId"`
	Evaluations       *evaluation.UserEvaluations `json:"evaluations"`
	ETag              string                      `json:"etag"`
}
