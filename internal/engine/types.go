package engine

import (
	"errors"
	"strconv"
	"strings"
)

// ReasonType records which step of the evaluation decided the variation.
type ReasonType string

const (
	ReasonTarget       ReasonType = "TARGET"
	ReasonRule         ReasonType = "RULE"
	ReasonDefault      ReasonType = "DEFAULT"
	ReasonClient       ReasonType = "CLIENT"
	ReasonOff          ReasonType = "OFF"
	ReasonPrerequisite ReasonType = "PREREQUISITE"
)

// Reason explains an evaluation. RuleID is set only for RULE.
type Reason struct {
	Type   ReasonType `json:"type"`
	RuleID string     `json:"ruleId,omitempty"`
}

// Evaluation is the deterministic output of evaluating one flag for one user.
type Evaluation struct {
	ID             string `json:"id"`
	FeatureID      string `json:"featureId"`
	FeatureVersion int32  `json:"featureVersion"`
	UserID         string `json:"userId"`
	VariationID    string `json:"variationId"`
	VariationName  string `json:"variationName,omitempty"`
	VariationValue string `json:"variationValue"`
	Reason         Reason `json:"reason"`
	EvaluatedAt    int64  `json:"evaluatedAt"`
}

// Errors raised only for snapshots that reference data they do not contain.
var (
	ErrVariationNotFound       = errors.New("variation not found")
	ErrDefaultStrategyNotFound = errors.New("default strategy not found")
)

// EvaluationID builds the stable id of an evaluation: featureID:version:userID.
func EvaluationID(featureID string, version int32, userID string) string {
	return strings.Join([]string{featureID, strconv.FormatInt(int64(version), 10), userID}, ":")
}
