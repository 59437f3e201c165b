package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by ValidateRule and ValidateStrategy.
var (
	ErrInvalidOperator  = errors.New("invalid operator")
	ErrInvalidClause    = errors.New("invalid clause")
	ErrInvalidStrategy  = errors.New("invalid strategy")
	ErrInvalidWeight    = errors.New("invalid rollout weight")
	ErrUnknownVariation = errors.New("unknown variation")
)

// validOperators is the set of all recognised clause operators.
var validOperators = map[Operator]struct{}{
	OpEquals:         {},
	OpNotEquals:      {},
	OpIn:             {},
	OpPartiallyMatch: {},
	OpStartsWith:     {},
	OpEndsWith:       {},
	OpGreater:        {},
	OpGreaterOrEqual: {},
	OpLess:           {},
	OpLessOrEqual:    {},
	OpBefore:         {},
	OpAfter:          {},
	OpSegment:        {},
	OpFeatureFlag:    {},
}

// IsValidOperator reports whether op is a recognised clause operator.
func IsValidOperator(op Operator) bool {
	_, ok := validOperators[op]
	return ok
}

// ValidateRule performs strict validation of a targeting Rule against the
// variation ids of the flag that will own it.
// It is a pure function: it never mutates r and has no side effects.
func ValidateRule(r Rule, variationIDs []string) error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id must not be empty", ErrInvalidClause)
	}
	if len(r.Clauses) == 0 {
		return fmt.Errorf("%w: rule %q must have at least one clause", ErrInvalidClause, r.ID)
	}
	for i, c := range r.Clauses {
		if err := ValidateClause(c); err != nil {
			return fmt.Errorf("rule %q clause[%d]: %w", r.ID, i, err)
		}
	}
	if err := ValidateStrategy(&r.Strategy, variationIDs); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return nil
}

// ValidateClause checks a single clause for structural problems.
func ValidateClause(c Clause) error {
	if c.ID == "" {
		return fmt.Errorf("%w: clause id must not be empty", ErrInvalidClause)
	}
	if !IsValidOperator(c.Operator) {
		return fmt.Errorf("%w: operator %q is not supported", ErrInvalidOperator, c.Operator)
	}
	if c.Operator != OpSegment && c.Attribute == "" {
		return fmt.Errorf("%w: attribute must not be empty for operator %q", ErrInvalidClause, c.Operator)
	}
	if len(c.Values) == 0 {
		return fmt.Errorf("%w: operator %q requires at least one value", ErrInvalidClause, c.Operator)
	}
	return nil
}

// ValidateStrategy checks that every variation a strategy can serve exists in
// variationIDs and that rollout weights are usable.
func ValidateStrategy(s *Strategy, variationIDs []string) error {
	if s == nil {
		return fmt.Errorf("%w: strategy must not be nil", ErrInvalidStrategy)
	}
	known := make(map[string]struct{}, len(variationIDs))
	for _, id := range variationIDs {
		known[id] = struct{}{}
	}

	switch s.Type {
	case StrategyFixed:
		if s.FixedStrategy == nil {
			return fmt.Errorf("%w: fixed strategy is missing", ErrInvalidStrategy)
		}
		if _, ok := known[s.FixedStrategy.Variation]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownVariation, s.FixedStrategy.Variation)
		}
	case StrategyRollout:
		if s.RolloutStrategy == nil || len(s.RolloutStrategy.Variations) == 0 {
			return fmt.Errorf("%w: rollout strategy has no variations", ErrInvalidStrategy)
		}
		var total int64
		for _, v := range s.RolloutStrategy.Variations {
			if _, ok := known[v.Variation]; !ok {
				return fmt.Errorf("%w: %q", ErrUnknownVariation, v.Variation)
			}
			if v.Weight < 0 {
				return fmt.Errorf("%w: variation %q has negative weight %d", ErrInvalidWeight, v.Variation, v.Weight)
			}
			total += int64(v.Weight)
		}
		if total == 0 {
			return fmt.Errorf("%w: weights must not all be zero", ErrInvalidWeight)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidStrategy, s.Type)
	}
	return nil
}
