package engine

import (
	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/segment"
	"github.com/TimurManjosov/flageval/internal/user"
)

// VariationLookup returns the variation already served to the current user
// for another flag. It backs FEATURE_FLAG clauses.
type VariationLookup interface {
	VariationOf(flagID string) (string, bool)
}

// Matcher decides whether a user satisfies a targeting rule.
// Both collaborators are optional: without a resolver SEGMENT clauses never
// match, and without a lookup FEATURE_FLAG clauses never match.
type Matcher struct {
	segments *segment.Resolver
	flags    VariationLookup
}

// NewMatcher creates a matcher.
func NewMatcher(segments *segment.Resolver, flags VariationLookup) *Matcher {
	return &Matcher{segments: segments, flags: flags}
}

// Matches reports whether every clause of rule matches u. A rule without
// clauses matches everyone.
func (m *Matcher) Matches(u *user.User, rule *rules.Rule) bool {
	if rule == nil {
		return false
	}
	for i := range rule.Clauses {
		if !m.MatchesClause(u, &rule.Clauses[i]) {
			return false
		}
	}
	return true
}

// MatchesClause evaluates a single clause. Unknown operators and missing
// attributes never match.
func (m *Matcher) MatchesClause(u *user.User, c *rules.Clause) bool {
	switch c.Operator {
	case rules.OpSegment:
		return m.matchesSegment(u, c.Values)
	case rules.OpFeatureFlag:
		return m.matchesFeatureFlag(c.Attribute, c.Values)
	}

	handler, ok := getOperatorHandler(c.Operator)
	if !ok {
		return false
	}
	target, ok := u.Attribute(c.Attribute)
	if !ok {
		return false
	}
	return handler.Check(target, c.Values)
}

func (m *Matcher) matchesSegment(u *user.User, segmentIDs []string) bool {
	if m.segments == nil {
		return false
	}
	for _, id := range segmentIDs {
		if m.segments.IsMemberOf(u, id) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchesFeatureFlag(flagID string, variations []string) bool {
	if m.flags == nil || flagID == "" {
		return false
	}
	served, ok := m.flags.VariationOf(flagID)
	if !ok {
		return false
	}
	for _, v := range variations {
		if v == served {
			return true
		}
	}
	return false
}
