package rules

// Operator represents a comparison operator used in targeting clauses.
type Operator string

// Supported clause operators (string values for clean JSON serialization).
const (
	OpEquals         Operator = "EQUALS"
	OpNotEquals      Operator = "NOT_EQUALS"
	OpIn             Operator = "IN"
	OpPartiallyMatch Operator = "PARTIALLY_MATCH"
	OpStartsWith     Operator = "STARTS_WITH"
	OpEndsWith       Operator = "ENDS_WITH"
	OpGreater        Operator = "GREATER"
	OpGreaterOrEqual Operator = "GREATER_OR_EQUAL"
	OpLess           Operator = "LESS"
	OpLessOrEqual    Operator = "LESS_OR_EQUAL"
	OpBefore         Operator = "BEFORE"
	OpAfter          Operator = "AFTER"
	OpSegment        Operator = "SEGMENT"
	OpFeatureFlag    Operator = "FEATURE_FLAG"
)

// Clause is a single targeting predicate. A clause matches when the user
// attribute satisfies the operator against any one of Values.
//
// For SEGMENT clauses Values holds segment ids and Attribute is unused.
// For FEATURE_FLAG clauses Attribute holds a flag id and Values holds
// variation ids of that flag.
type Clause struct {
	ID        string   `json:"id" yaml:"id"`
	Attribute string   `json:"attribute" yaml:"attribute"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Values    []string `json:"values" yaml:"values"`
}

// StrategyType selects how a rule or default picks its variation.
type StrategyType string

const (
	StrategyFixed   StrategyType = "FIXED"
	StrategyRollout StrategyType = "ROLLOUT"
)

// FixedStrategy always serves one variation.
type FixedStrategy struct {
	Variation string `json:"variation" yaml:"variation"`
}

// WeightedVariation is one bucket of a rollout.
type WeightedVariation struct {
	Variation string `json:"variation" yaml:"variation"`
	Weight    int32  `json:"weight" yaml:"weight"`
}

// RolloutStrategy splits users across variations by weight.
// Weights are normalized by their total before bucketing.
type RolloutStrategy struct {
	Variations []WeightedVariation `json:"variations" yaml:"variations"`
}

// Strategy is a tagged union over the fixed and rollout strategies.
type Strategy struct {
	Type            StrategyType     `json:"type" yaml:"type"`
	FixedStrategy   *FixedStrategy   `json:"fixedStrategy,omitempty" yaml:"fixedStrategy,omitempty"`
	RolloutStrategy *RolloutStrategy `json:"rolloutStrategy,omitempty" yaml:"rolloutStrategy,omitempty"`
}

// Fixed builds a fixed strategy serving variation.
func Fixed(variation string) *Strategy {
	return &Strategy{Type: StrategyFixed, FixedStrategy: &FixedStrategy{Variation: variation}}
}

// Rollout builds a rollout strategy over the given weights.
func Rollout(weights ...WeightedVariation) *Strategy {
	return &Strategy{Type: StrategyRollout, RolloutStrategy: &RolloutStrategy{Variations: weights}}
}

// Variations lists every variation id the strategy can serve.
func (s *Strategy) Variations() []string {
	if s == nil {
		return nil
	}
	switch s.Type {
	case StrategyFixed:
		if s.FixedStrategy != nil {
			return []string{s.FixedStrategy.Variation}
		}
	case StrategyRollout:
		if s.RolloutStrategy != nil {
			ids := make([]string, 0, len(s.RolloutStrategy.Variations))
			for _, v := range s.RolloutStrategy.Variations {
				ids = append(ids, v.Variation)
			}
			return ids
		}
	}
	return nil
}

// Rule is an ordered targeting rule. Clauses are combined with AND semantics.
type Rule struct {
	ID       string   `json:"id" yaml:"id"`
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	Clauses  []Clause `json:"clauses" yaml:"clauses"`
}

// SegmentIDs returns the ids referenced by SEGMENT clauses of the rule.
func (r *Rule) SegmentIDs() []string {
	var ids []string
	for _, c := range r.Clauses {
		if c.Operator == OpSegment {
			ids = append(ids, c.Values...)
		}
	}
	return ids
}
