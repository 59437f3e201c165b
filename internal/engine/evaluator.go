package engine

import (
	"fmt"
	"time"

	"github.com/TimurManjosov/flageval/internal/rollout"
	"github.com/TimurManjosov/flageval/internal/segment"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/user"
)

// Env is the immutable view of one environment that evaluation reads from.
type Env struct {
	Flags    map[string]*store.Flag
	Segments *segment.Resolver
	// Cyclic holds the flags that sit on a dependency cycle. Prerequisites
	// and FEATURE_FLAG clauses pointing at them are never met.
	Cyclic map[string]bool
}

// NewEnv indexes flags and segments for evaluation. Segment rules are matched
// without segment or flag context, so a SEGMENT clause nested inside a
// segment rule never matches.
func NewEnv(flags []store.Flag, segments []store.Segment, segmentUsers []store.SegmentUser) *Env {
	byID := make(map[string]*store.Flag, len(flags))
	for i := range flags {
		f := flags[i]
		byID[f.ID] = &f
	}
	return &Env{
		Flags:    byID,
		Segments: segment.NewResolver(segments, segmentUsers, NewMatcher(nil, nil)),
		Cyclic:   CyclicFlags(byID),
	}
}

// Evaluate computes the evaluation of flag for u against env.
func Evaluate(u *user.User, flag *store.Flag, env *Env) (Evaluation, error) {
	return NewSession(env, u, time.Now()).Evaluate(flag)
}

type memo struct {
	eval Evaluation
	err  error
}

// Session evaluates flags for one user and one request. Results are memoised
// by flag id, so prerequisites and FEATURE_FLAG clauses resolve each flag
// once. A Session is not safe for concurrent use.
type Session struct {
	env      *Env
	user     *user.User
	now      int64
	matcher  *Matcher
	results  map[string]memo
	visiting map[string]bool
}

// NewSession starts an evaluation session. env may be nil.
func NewSession(env *Env, u *user.User, now time.Time) *Session {
	if env == nil {
		env = &Env{}
	}
	if u == nil {
		u = &user.User{}
	}
	s := &Session{
		env:      env,
		user:     u,
		now:      now.Unix(),
		results:  make(map[string]memo),
		visiting: make(map[string]bool),
	}
	s.matcher = NewMatcher(env.Segments, s)
	return s
}

// VariationOf evaluates the flag with the given id in this session and
// returns the variation it served. Missing flags, cycles and broken flags
// report false.
func (s *Session) VariationOf(flagID string) (string, bool) {
	flag, ok := s.env.Flags[flagID]
	if !ok || s.env.Cyclic[flagID] {
		return "", false
	}
	// only reachable for an Env built without NewEnv
	if s.visiting[flagID] {
		return "", false
	}
	eval, err := s.Evaluate(flag)
	if err != nil || eval.VariationID == "" {
		return "", false
	}
	return eval.VariationID, true
}

// Evaluate decides the variation of flag:
//  1. disabled or archived → off variation (OFF)
//  2. any unmet prerequisite → off variation (PREREQUISITE)
//  3. user listed in a target → target variation (TARGET)
//  4. first matching rule → rule strategy (RULE)
//  5. otherwise the default strategy (DEFAULT)
//
// Errors are returned only when the flag references a variation or strategy
// it does not define.
func (s *Session) Evaluate(flag *store.Flag) (Evaluation, error) {
	if flag == nil {
		return Evaluation{Reason: Reason{Type: ReasonOff}, UserID: s.user.ID, EvaluatedAt: s.now}, nil
	}
	if m, ok := s.results[flag.ID]; ok {
		return m.eval, m.err
	}
	s.visiting[flag.ID] = true
	eval, err := s.evaluate(flag)
	delete(s.visiting, flag.ID)
	s.results[flag.ID] = memo{eval: eval, err: err}
	return eval, err
}

func (s *Session) evaluate(flag *store.Flag) (Evaluation, error) {
	if len(flag.Variations) == 0 {
		return s.result(flag, nil, Reason{Type: ReasonOff}), nil
	}

	if !flag.Enabled || flag.Archived {
		return s.offVariation(flag, ReasonOff)
	}

	for _, p := range flag.Prerequisites {
		served, ok := s.VariationOf(p.FeatureID)
		if !ok || served != p.VariationID {
			return s.offVariation(flag, ReasonPrerequisite)
		}
	}

	for _, t := range flag.Targets {
		for _, id := range t.Users {
			if id != s.user.ID || id == "" {
				continue
			}
			return s.serve(flag, t.Variation, Reason{Type: ReasonTarget})
		}
	}

	for i := range flag.Rules {
		rule := &flag.Rules[i]
		if !s.matcher.Matches(s.user, rule) {
			continue
		}
		variationID, err := rollout.AssignStrategy(s.target(flag, rule.ID), &rule.Strategy)
		if err != nil {
			return Evaluation{}, fmt.Errorf("flag %s rule %s: %w", flag.ID, rule.ID, err)
		}
		return s.serve(flag, variationID, Reason{Type: ReasonRule, RuleID: rule.ID})
	}

	variationID, err := s.defaultVariation(flag)
	if err != nil {
		return Evaluation{}, err
	}
	return s.serve(flag, variationID, Reason{Type: ReasonDefault})
}

// offVariation serves the flag's off variation. Flags without one fall back
// to their default strategy while keeping the given reason.
func (s *Session) offVariation(flag *store.Flag, reason ReasonType) (Evaluation, error) {
	if flag.OffVariation != "" {
		return s.serve(flag, flag.OffVariation, Reason{Type: reason})
	}
	variationID, err := s.defaultVariation(flag)
	if err != nil {
		return Evaluation{}, err
	}
	return s.serve(flag, variationID, Reason{Type: reason})
}

func (s *Session) defaultVariation(flag *store.Flag) (string, error) {
	if flag.DefaultStrategy == nil {
		if len(flag.Variations) == 1 {
			return flag.Variations[0].ID, nil
		}
		return "", fmt.Errorf("flag %s: %w", flag.ID, ErrDefaultStrategyNotFound)
	}
	variationID, err := rollout.AssignStrategy(s.target(flag, ""), flag.DefaultStrategy)
	if err != nil {
		return "", fmt.Errorf("flag %s default strategy: %w", flag.ID, err)
	}
	return variationID, nil
}

func (s *Session) target(flag *store.Flag, ruleID string) rollout.Target {
	return rollout.Target{UserID: s.user.ID, FlagID: flag.ID, RuleID: ruleID, Seed: flag.SamplingSeed}
}

func (s *Session) serve(flag *store.Flag, variationID string, reason Reason) (Evaluation, error) {
	v, ok := flag.FindVariation(variationID)
	if !ok {
		return Evaluation{}, fmt.Errorf("flag %s variation %q: %w", flag.ID, variationID, ErrVariationNotFound)
	}
	return s.result(flag, v, reason), nil
}

func (s *Session) result(flag *store.Flag, v *store.Variation, reason Reason) Evaluation {
	eval := Evaluation{
		ID:             EvaluationID(flag.ID, flag.Version, s.user.ID),
		FeatureID:      flag.ID,
		FeatureVersion: flag.Version,
		UserID:         s.user.ID,
		Reason:         reason,
		EvaluatedAt:    s.now,
	}
	if v != nil {
		eval.VariationID = v.ID
		eval.VariationName = v.Name
		eval.VariationValue = v.Value
	}
	return eval
}
