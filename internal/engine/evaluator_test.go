package engine

import (
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/user"
)

func onOffFlag(id string) store.Flag {
	return store.Flag{
		ID:      id,
		Version: 3,
		Enabled: true,
		Variations: []store.Variation{
			{ID: "on", Name: "On", Value: "true"},
			{ID: "off", Name: "Off", Value: "false"},
		},
		DefaultStrategy: rules.Fixed("on"),
		OffVariation:    "off",
	}
}

func mustEvaluate(t *testing.T, s *Session, flag *store.Flag) Evaluation {
	t.Helper()
	got, err := s.Evaluate(flag)
	if err != nil {
		t.Fatalf("Evaluate(%s) error = %v", flag.ID, err)
	}
	return got
}

func TestEvaluate_RuleOrderAndDeterminism(t *testing.T) {
	flag := onOffFlag("new_checkout")
	flag.Rules = []rules.Rule{
		{
			ID:       "rule-1",
			Strategy: *rules.Fixed("off"),
			Clauses: []rules.Clause{
				clause("country", rules.OpEquals, "US"),
				clause("plan", rules.OpEquals, "premium"),
			},
		},
		{
			ID:       "rule-2",
			Strategy: *rules.Fixed("on"),
			Clauses:  []rules.Clause{clause("country", rules.OpEquals, "US")},
		},
	}

	u := &user.User{ID: "user-123", Data: map[string]string{"country": "US", "plan": "premium"}}
	now := time.Unix(1700000000, 0)

	got1 := mustEvaluate(t, NewSession(nil, u, now), &flag)
	got2 := mustEvaluate(t, NewSession(nil, u, now), &flag)
	if !reflect.DeepEqual(got1, got2) {
		t.Fatalf("Evaluate should be deterministic, got %#v and %#v", got1, got2)
	}

	want := Evaluation{
		ID:             "new_checkout:3:user-123",
		FeatureID:      "new_checkout",
		FeatureVersion: 3,
		UserID:         "user-123",
		VariationID:    "off",
		VariationName:  "Off",
		VariationValue: "false",
		Reason:         Reason{Type: ReasonRule, RuleID: "rule-1"},
		EvaluatedAt:    1700000000,
	}
	if !reflect.DeepEqual(got1, want) {
		t.Fatalf("Evaluate() = %#v, want %#v", got1, want)
	}
}

func TestEvaluate_DecisionPath(t *testing.T) {
	base := onOffFlag("f")
	base.Targets = []store.Target{{Variation: "off", Users: []string{"pinned"}}}
	base.Rules = []rules.Rule{{
		ID:       "pro",
		Strategy: *rules.Fixed("off"),
		Clauses:  []rules.Clause{clause("plan", rules.OpEquals, "pro")},
	}}

	disabled := base.Clone()
	disabled.Enabled = false

	archived := base.Clone()
	archived.Archived = true

	disabledNoOff := base.Clone()
	disabledNoOff.Enabled = false
	disabledNoOff.OffVariation = ""

	tests := []struct {
		name          string
		flag          store.Flag
		user          *user.User
		wantVariation string
		wantReason    Reason
	}{
		{name: "target beats rule", flag: base, user: &user.User{ID: "pinned", Data: map[string]string{"plan": "free"}}, wantVariation: "off", wantReason: Reason{Type: ReasonTarget}},
		{name: "rule", flag: base, user: &user.User{ID: "u", Data: map[string]string{"plan": "pro"}}, wantVariation: "off", wantReason: Reason{Type: ReasonRule, RuleID: "pro"}},
		{name: "default", flag: base, user: &user.User{ID: "u"}, wantVariation: "on", wantReason: Reason{Type: ReasonDefault}},
		{name: "anonymous user", flag: base, user: nil, wantVariation: "on", wantReason: Reason{Type: ReasonDefault}},
		{name: "disabled ignores targets and rules", flag: disabled, user: &user.User{ID: "pinned", Data: map[string]string{"plan": "pro"}}, wantVariation: "off", wantReason: Reason{Type: ReasonOff}},
		{name: "archived", flag: archived, user: &user.User{ID: "u"}, wantVariation: "off", wantReason: Reason{Type: ReasonOff}},
		{name: "disabled without off variation", flag: disabledNoOff, user: &user.User{ID: "u"}, wantVariation: "on", wantReason: Reason{Type: ReasonOff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := tt.flag
			got, err := Evaluate(tt.user, &flag, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got.VariationID != tt.wantVariation {
				t.Fatalf("VariationID = %s, want %s", got.VariationID, tt.wantVariation)
			}
			if got.Reason != tt.wantReason {
				t.Fatalf("Reason = %+v, want %+v", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluate_SingleVariationNoRules(t *testing.T) {
	flag := &store.Flag{ID: "single", Enabled: true, Variations: []store.Variation{{ID: "A", Value: "a"}}}
	for i := 0; i < 100; i++ {
		got, err := Evaluate(&user.User{ID: "user-" + strconv.Itoa(i)}, flag, nil)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if got.VariationID != "A" || got.Reason.Type != ReasonDefault {
			t.Fatalf("got %s/%s, want A/DEFAULT", got.VariationID, got.Reason.Type)
		}
	}
}

func TestEvaluate_ZeroVariations(t *testing.T) {
	flag := &store.Flag{ID: "empty", Version: 1, Enabled: true}
	got, err := Evaluate(&user.User{ID: "u"}, flag, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.VariationID != "" || got.Reason.Type != ReasonOff || got.FeatureID != "empty" {
		t.Fatalf("unexpected evaluation for flag without variations: %#v", got)
	}
}

func TestEvaluate_RolloutSplit(t *testing.T) {
	flag := onOffFlag("split")
	flag.DefaultStrategy = rules.Rollout(
		rules.WeightedVariation{Variation: "on", Weight: 50000},
		rules.WeightedVariation{Variation: "off", Weight: 50000},
	)

	counts := map[string]int{}
	total := 10000
	for i := 0; i < total; i++ {
		got, err := Evaluate(&user.User{ID: "user-" + strconv.Itoa(i)}, &flag, nil)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if got.Reason.Type != ReasonDefault {
			t.Fatalf("Reason = %s, want DEFAULT", got.Reason.Type)
		}
		counts[got.VariationID]++
	}

	percentage := float64(counts["on"]) / float64(total) * 100
	if percentage < 47 || percentage > 53 {
		t.Fatalf("Expected ~50%% for 'on', got %.2f%% (%v)", percentage, counts)
	}
}

func TestEvaluate_SamplingSeedReshuffles(t *testing.T) {
	flag := onOffFlag("seeded")
	flag.DefaultStrategy = rules.Rollout(
		rules.WeightedVariation{Variation: "on", Weight: 50},
		rules.WeightedVariation{Variation: "off", Weight: 50},
	)
	reseeded := flag.Clone()
	reseeded.SamplingSeed = "rotated"

	changed := 0
	for i := 0; i < 200; i++ {
		u := &user.User{ID: "user-" + strconv.Itoa(i)}
		a, _ := Evaluate(u, &flag, nil)
		b, _ := Evaluate(u, &reseeded, nil)
		if a.VariationID != b.VariationID {
			changed++
		}
	}
	if changed == 0 {
		t.Fatal("expected a new sampling seed to move some users")
	}
}

func TestEvaluate_Prerequisites(t *testing.T) {
	parent := onOffFlag("parent")
	parent.Targets = []store.Target{{Variation: "off", Users: []string{"blocked"}}}

	child := onOffFlag("child")
	child.Prerequisites = []store.Prerequisite{{FeatureID: "parent", VariationID: "on"}}
	child.Rules = []rules.Rule{{ID: "everyone", Strategy: *rules.Fixed("on")}}

	missing := onOffFlag("orphan")
	missing.Prerequisites = []store.Prerequisite{{FeatureID: "ghost", VariationID: "on"}}

	env := NewEnv([]store.Flag{parent, child, missing}, nil, nil)
	now := time.Now()

	got := mustEvaluate(t, NewSession(env, &user.User{ID: "u"}, now), env.Flags["child"])
	if got.VariationID != "on" || got.Reason.Type != ReasonRule {
		t.Fatalf("met prerequisite: got %s/%s, want on/RULE", got.VariationID, got.Reason.Type)
	}

	got = mustEvaluate(t, NewSession(env, &user.User{ID: "blocked"}, now), env.Flags["child"])
	if got.VariationID != "off" || got.Reason.Type != ReasonPrerequisite {
		t.Fatalf("unmet prerequisite: got %s/%s, want off/PREREQUISITE", got.VariationID, got.Reason.Type)
	}

	got = mustEvaluate(t, NewSession(env, &user.User{ID: "u"}, now), env.Flags["orphan"])
	if got.Reason.Type != ReasonPrerequisite {
		t.Fatalf("missing prerequisite flag: Reason = %s, want PREREQUISITE", got.Reason.Type)
	}
}

func TestEvaluate_PrerequisiteCycleIsUnmet(t *testing.T) {
	for _, required := range []string{"on", "off"} {
		a := onOffFlag("a")
		a.Prerequisites = []store.Prerequisite{{FeatureID: "b", VariationID: required}}
		b := onOffFlag("b")
		b.Prerequisites = []store.Prerequisite{{FeatureID: "a", VariationID: required}}
		downstream := onOffFlag("downstream")
		downstream.Prerequisites = []store.Prerequisite{{FeatureID: "a", VariationID: "off"}}
		env := NewEnv([]store.Flag{a, b, downstream}, nil, nil)

		for _, order := range [][]string{{"a", "b", "downstream"}, {"b", "downstream", "a"}, {"downstream", "a", "b"}} {
			s := NewSession(env, &user.User{ID: "u"}, time.Now())
			for _, id := range order {
				got := mustEvaluate(t, s, env.Flags[id])
				if got.Reason.Type != ReasonPrerequisite || got.VariationID != "off" {
					t.Fatalf("requires %q, order %v: %s = %s/%s, want off/PREREQUISITE",
						required, order, id, got.VariationID, got.Reason.Type)
				}
			}
		}
	}
}

func TestEvaluate_FeatureFlagClause(t *testing.T) {
	parent := onOffFlag("parent")
	parent.Targets = []store.Target{{Variation: "off", Users: []string{"opted-out"}}}

	child := onOffFlag("child")
	child.DefaultStrategy = rules.Fixed("off")
	child.Rules = []rules.Rule{{
		ID:       "follows-parent",
		Strategy: *rules.Fixed("on"),
		Clauses:  []rules.Clause{clause("parent", rules.OpFeatureFlag, "on")},
	}}
	env := NewEnv([]store.Flag{parent, child}, nil, nil)

	got := mustEvaluate(t, NewSession(env, &user.User{ID: "u"}, time.Now()), env.Flags["child"])
	if got.Reason.RuleID != "follows-parent" {
		t.Fatalf("Reason = %+v, want rule follows-parent", got.Reason)
	}
	got = mustEvaluate(t, NewSession(env, &user.User{ID: "opted-out"}, time.Now()), env.Flags["child"])
	if got.Reason.Type != ReasonDefault {
		t.Fatalf("Reason = %+v, want DEFAULT", got.Reason)
	}
}

func TestEvaluate_SegmentRule(t *testing.T) {
	flag := onOffFlag("beta_ui")
	flag.DefaultStrategy = rules.Fixed("off")
	flag.Rules = []rules.Rule{{
		ID:       "beta-users",
		Strategy: *rules.Fixed("on"),
		Clauses:  []rules.Clause{clause("", rules.OpSegment, "beta")},
	}}
	env := NewEnv(
		[]store.Flag{flag},
		[]store.Segment{{ID: "beta"}},
		[]store.SegmentUser{{SegmentID: "beta", UserID: "alice", State: store.SegmentUserIncluded}},
	)

	got, _ := Evaluate(&user.User{ID: "alice"}, env.Flags["beta_ui"], env)
	if got.VariationID != "on" {
		t.Fatalf("segment member: VariationID = %s, want on", got.VariationID)
	}
	got, _ = Evaluate(&user.User{ID: "bob"}, env.Flags["beta_ui"], env)
	if got.VariationID != "off" {
		t.Fatalf("non member: VariationID = %s, want off", got.VariationID)
	}
}

func TestEvaluate_BrokenSnapshot(t *testing.T) {
	missingTargetVariation := onOffFlag("f1")
	missingTargetVariation.Targets = []store.Target{{Variation: "ghost", Users: []string{"u"}}}

	missingDefault := onOffFlag("f2")
	missingDefault.DefaultStrategy = nil

	badOff := onOffFlag("f3")
	badOff.Enabled = false
	badOff.OffVariation = "ghost"

	badRollout := onOffFlag("f4")
	badRollout.Rules = []rules.Rule{{ID: "r", Strategy: rules.Strategy{Type: rules.StrategyRollout}}}

	tests := []struct {
		name string
		flag store.Flag
		want error
	}{
		{name: "target variation", flag: missingTargetVariation, want: ErrVariationNotFound},
		{name: "default strategy", flag: missingDefault, want: ErrDefaultStrategyNotFound},
		{name: "off variation", flag: badOff, want: ErrVariationNotFound},
		{name: "rule strategy", flag: badRollout, want: rules.ErrInvalidStrategy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := tt.flag
			_, err := Evaluate(&user.User{ID: "u"}, &flag, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEvaluationID(t *testing.T) {
	if got := EvaluationID("f", 12, "u"); got != "f:12:u" {
		t.Fatalf("EvaluationID() = %s", got)
	}
}
