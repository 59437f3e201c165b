package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/testutil"
)

func (ts *testServer) evaluate(t *testing.T, body any) (*httptest.ResponseRecorder, EvaluationResponse) {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/v1/environments/prod/evaluations", body, "")
	var resp EvaluationResponse
	if rr.Code == http.StatusOK {
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return rr, resp
}

func findEvaluation(resp EvaluationResponse, featureID string) (engine.Evaluation, bool) {
	if resp.Evaluations == nil {
		return engine.Evaluation{}, false
	}
	for _, e := range resp.Evaluations.Evaluations {
		if e.FeatureID == featureID {
			return e, true
		}
	}
	return engine.Evaluation{}, false
}

func TestHandleEvaluate_BasicFlag(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "test_flag")
	ts.featureCommand(t, "test_flag", "EnableFeature", struct{}{})

	rr, resp := ts.evaluate(t, EvaluationRequest{User: &EvaluationUserDTO{ID: "user-123"}})

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp.State != StateFull {
		t.Errorf("State = %s, want FULL", resp.State)
	}
	if resp.UserEvaluationsID == "" || resp.ETag == "" {
		t.Errorf("Expected userEvaluationsId and etag, got %+v", resp)
	}
	e, ok := findEvaluation(resp, "test_flag")
	if !ok {
		t.Fatal("Expected test_flag in response")
	}
	if e.VariationID != "on" || e.VariationValue != "true" {
		t.Errorf("variation = %s/%s, want on/true", e.VariationID, e.VariationValue)
	}
	if e.Reason.Type != engine.ReasonDefault {
		t.Errorf("reason = %s, want DEFAULT", e.Reason.Type)
	}
	if e.UserID != "user-123" || e.FeatureVersion != 2 {
		t.Errorf("unexpected evaluation %+v", e)
	}
}

func TestHandleEvaluate_DisabledFlag(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "disabled_flag")

	_, resp := ts.evaluate(t, EvaluationRequest{User: &EvaluationUserDTO{ID: "user-123"}})

	e, ok := findEvaluation(resp, "disabled_flag")
	if !ok {
		t.Fatal("Expected disabled_flag in response")
	}
	if e.VariationID != "off" || e.Reason.Type != engine.ReasonOff {
		t.Errorf("got %s (%s), want off (OFF)", e.VariationID, e.Reason.Type)
	}
}

func TestHandleEvaluate_TargetAndRule(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "checkout")
	ts.featureCommand(t, "checkout", "EnableFeature", struct{}{})
	ts.featureCommand(t, "checkout", "AddUserToVariation", command.AddUserToVariation{ID: "off", User: "alice"})
	rr := ts.featureCommand(t, "checkout", "AddRule", command.AddRule{Rule: rules.Rule{
		ID:       "rule-de",
		Strategy: *rules.Fixed("off"),
		Clauses:  []rules.Clause{{ID: "c1", Attribute: "country", Operator: rules.OpEquals, Values: []string{"DE"}}},
	}})
	if rr.Code != http.StatusOK {
		t.Fatalf("AddRule: status %d: %s", rr.Code, rr.Body.String())
	}

	tests := []struct {
		name      string
		user      EvaluationUserDTO
		variation string
		reason    engine.ReasonType
		ruleID    string
	}{
		{"targeted user", EvaluationUserDTO{ID: "alice", Data: map[string]string{"country": "US"}}, "off", engine.ReasonTarget, ""},
		{"rule match", EvaluationUserDTO{ID: "bob", Data: map[string]string{"country": "DE"}}, "off", engine.ReasonRule, "rule-de"},
		{"default", EvaluationUserDTO{ID: "carol", Data: map[string]string{"country": "FR"}}, "on", engine.ReasonDefault, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.user
			_, resp := ts.evaluate(t, EvaluationRequest{User: &u})
			e, ok := findEvaluation(resp, "checkout")
			if !ok {
				t.Fatal("Expected checkout in response")
			}
			if e.VariationID != tt.variation || e.Reason.Type != tt.reason || e.Reason.RuleID != tt.ruleID {
				t.Errorf("got %s (%s %s), want %s (%s %s)",
					e.VariationID, e.Reason.Type, e.Reason.RuleID, tt.variation, tt.reason, tt.ruleID)
			}
		})
	}
}

func TestHandleEvaluate_Filters(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "web_flag")
	ts.createFeature(t, "ios_flag")
	ts.featureCommand(t, "web_flag", "AddTag", map[string]string{"tag": "web"})

	t.Run("tag", func(t *testing.T) {
		_, resp := ts.evaluate(t, EvaluationRequest{User: &EvaluationUserDTO{ID: "u"}, Tag: "web"})
		if len(resp.Evaluations.Evaluations) != 1 || resp.Evaluations.Evaluations[0].FeatureID != "web_flag" {
			t.Errorf("unexpected evaluations %+v", resp.Evaluations.Evaluations)
		}
	})

	t.Run("feature id", func(t *testing.T) {
		_, resp := ts.evaluate(t, EvaluationRequest{User: &EvaluationUserDTO{ID: "u"}, FeatureID: "ios_flag"})
		if len(resp.Evaluations.Evaluations) != 1 || resp.Evaluations.Evaluations[0].FeatureID != "ios_flag" {
			t.Errorf("unexpected evaluations %+v", resp.Evaluations.Evaluations)
		}
	})

	t.Run("unknown feature id", func(t *testing.T) {
		rr, _ := ts.evaluate(t, EvaluationRequest{User: &EvaluationUserDTO{ID: "u"}, FeatureID: "missing"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", rr.Code)
		}
	})
}

func TestHandleEvaluate_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body any
		want int
		code ErrorCode
	}{
		{"missing user", "/v1/environments/prod/evaluations", `{}`, http.StatusBadRequest, ErrCodeMissingField},
		{"blank user id", "/v1/environments/prod/evaluations", `{"user":{"id":"  "}}`, http.StatusBadRequest, ErrCodeMissingField},
		{"invalid json", "/v1/environments/prod/evaluations", `{"user":`, http.StatusBadRequest, ErrCodeInvalidJSON},
		{"empty body", "/v1/environments/prod/evaluations", "", http.StatusBadRequest, ErrCodeInvalidJSON},
		{"unloaded environment", "/v1/environments/staging/evaluations", `{"user":{"id":"u"}}`, http.StatusServiceUnavailable, ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, tt.path, tt.body, "")
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != tt.code {
				t.Errorf("code = %s, want %s", resp.Code, tt.code)
			}
		})
	}
}

func TestHandleEvaluate_Delta(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "flag1")

	_, full := ts.evaluate(t, EvaluationRequest{User: &EvaluationUserDTO{ID: "u"}})

	t.Run("recent bundle gets the changed flags", func(t *testing.T) {
		_, resp := ts.evaluate(t, EvaluationRequest{
			User:              &EvaluationUserDTO{ID: "u"},
			UserEvaluationsID: full.UserEvaluationsID,
			EvaluatedAt:       time.Now().Unix(),
		})
		if resp.State != StatePartial {
			t.Errorf("State = %s, want PARTIAL", resp.State)
		}
		if _, ok := findEvaluation(resp, "flag1"); !ok {
			t.Error("Expected the recently updated flag in the delta")
		}
	})

	t.Run("stale bundle is replaced", func(t *testing.T) {
		_, resp := ts.evaluate(t, EvaluationRequest{
			User:              &EvaluationUserDTO{ID: "u"},
			UserEvaluationsID: full.UserEvaluationsID,
			EvaluatedAt:       1,
		})
		if resp.State != StateFull || !resp.Evaluations.ForceUpdate {
			t.Errorf("State = %s, forceUpdate = %v, want FULL and true", resp.State, resp.Evaluations.ForceUpdate)
		}
	})
}

func TestHandleEvaluate_Deterministic(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "rollout_flag")
	ts.featureCommand(t, "rollout_flag", "EnableFeature", struct{}{})
	ts.featureCommand(t, "rollout_flag", "ChangeDefaultStrategy", command.ChangeDefaultStrategy{
		Strategy: *rules.Rollout(
			rules.WeightedVariation{Variation: "on", Weight: 50000},
			rules.WeightedVariation{Variation: "off", Weight: 50000},
		),
	})

	req := EvaluationRequest{User: &EvaluationUserDTO{ID: "consistent-user"}}
	_, first := ts.evaluate(t, req)
	want, ok := findEvaluation(first, "rollout_flag")
	if !ok {
		t.Fatal("Expected rollout_flag in response")
	}

	for i := 0; i < 10; i++ {
		_, resp := ts.evaluate(t, req)
		got, _ := findEvaluation(resp, "rollout_flag")
		if got.VariationID != want.VariationID {
			t.Fatalf("Evaluation %d: variation %s, want %s", i, got.VariationID, want.VariationID)
		}
		if resp.UserEvaluationsID != first.UserEvaluationsID {
			t.Fatalf("Evaluation %d: userEvaluationsId changed", i)
		}
	}
}

func TestHandleEvaluate_PrerequisiteAndSegment(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	seg, members := testutil.Segment("prod", "beta", "alice")
	if err := testutil.SeedSegment(ctx, ts.store, seg, members); err != nil {
		t.Fatal(err)
	}
	err := testutil.SeedFlags(ctx, ts.store,
		testutil.BoolFlag("prod", "base", testutil.Enabled(), testutil.WithRule(rules.Rule{
			ID:       "beta-only",
			Strategy: *rules.Fixed("on"),
			Clauses:  []rules.Clause{{ID: "c1", Operator: rules.OpSegment, Values: []string{"beta"}}},
		})),
		testutil.BoolFlag("prod", "child", testutil.Enabled(), testutil.WithPrerequisite("base", "off")),
	)
	if err != nil {
		t.Fatal(err)
	}
	// base serves "off" by default so only segment members see "on"
	if rr := ts.featureCommand(t, "base", "ChangeDefaultStrategy", command.ChangeDefaultStrategy{Strategy: *rules.Fixed("off")}); rr.Code != http.StatusOK {
		t.Fatalf("ChangeDefaultStrategy: status %d: %s", rr.Code, rr.Body.String())
	}

	tests := []struct {
		user       string
		base       string
		baseReason engine.ReasonType
		child      string
		childReason engine.ReasonType
	}{
		{"alice", "on", engine.ReasonRule, "off", engine.ReasonPrerequisite},
		{"bob", "off", engine.ReasonDefault, "on", engine.ReasonDefault},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			_, resp := ts.evaluate(t, EvaluationRequest{User: &EvaluationUserDTO{ID: tt.user}})
			base, _ := findEvaluation(resp, "base")
			child, _ := findEvaluation(resp, "child")
			if base.VariationID != tt.base || base.Reason.Type != tt.baseReason {
				t.Errorf("base = %s (%s), want %s (%s)", base.VariationID, base.Reason.Type, tt.base, tt.baseReason)
			}
			if child.VariationID != tt.child || child.Reason.Type != tt.childReason {
				t.Errorf("child = %s (%s), want %s (%s)", child.VariationID, child.Reason.Type, tt.child, tt.childReason)
			}
		})
	}
}
