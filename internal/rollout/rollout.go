// Package rollout provides deterministic user bucketing for feature flag rollouts.
// It uses consistent hashing to assign users to buckets based on their user ID,
// the flag ID, an optional rule ID and the flag's sampling seed. This ensures:
//   - Same user always gets same variation for a flag (deterministic)
//   - Even distribution across buckets (uses xxHash algorithm)
//   - Weights are proportions: [A:25, B:25] splits exactly like [A:50, B:50]
//   - Rotating the sampling seed reshuffles every user of a flag at once
package rollout

import (
	"errors"

	"github.com/TimurManjosov/flageval/internal/rules"
)

// ErrNoVariations is returned when a rollout has nothing to choose from.
var ErrNoVariations = errors.New("rollout has no variations")

// Target identifies the bucketing key of one assignment.
type Target struct {
	UserID string
	FlagID string
	RuleID string // empty for the flag's default strategy
	Seed   string // flag sampling seed
}

// Assign picks a variation for the target from weighted variations.
//
// Algorithm:
//  1. Hash(flagID + ruleID + seed + userID) → bucket in [0, 1 000 000)
//  2. Walk cumulative weights, normalized by their total, and return the first
//     variation whose upper bound lies above the bucket
//
// Special cases:
//   - no variations: ErrNoVariations
//   - a single variation: returned without hashing
//   - all weights zero (or negative): the first listed variation
//   - empty userID: the first variation with a positive weight
//
// Example: variations = [A:50, B:30, C:20]
//   - bucket      0-499 999 → A
//   - bucket 500 000-799 999 → B
//   - bucket 800 000-999 999 → C
func Assign(t Target, variations []rules.WeightedVariation) (string, error) {
	if len(variations) == 0 {
		return "", ErrNoVariations
	}
	if len(variations) == 1 {
		return variations[0].Variation, nil
	}

	var total int64
	for _, v := range variations {
		if v.Weight > 0 {
			total += int64(v.Weight)
		}
	}
	if total == 0 {
		return variations[0].Variation, nil
	}

	bucket := BucketUser(t.UserID, t.FlagID, t.RuleID, t.Seed)
	if bucket < 0 {
		bucket = 0
	}

	// bucket/bucketSpace < cumulative/total, kept in integers so that
	// proportional weight sets pick identical boundaries.
	var cumulative int64
	last := variations[0].Variation
	for _, v := range variations {
		if v.Weight <= 0 {
			continue
		}
		cumulative += int64(v.Weight)
		last = v.Variation
		if bucket*total < cumulative*bucketSpace {
			return v.Variation, nil
		}
	}
	return last, nil
}

// AssignStrategy resolves a strategy to a variation id.
func AssignStrategy(t Target, s *rules.Strategy) (string, error) {
	if s == nil {
		return "", rules.ErrInvalidStrategy
	}
	switch s.Type {
	case rules.StrategyFixed:
		if s.FixedStrategy == nil {
			return "", rules.ErrInvalidStrategy
		}
		return s.FixedStrategy.Variation, nil
	case rules.StrategyRollout:
		if s.RolloutStrategy == nil {
			return "", rules.ErrInvalidStrategy
		}
		return Assign(t, s.RolloutStrategy.Variations)
	default:
		return "", rules.ErrInvalidStrategy
	}
}
