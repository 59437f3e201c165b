package segment

import (
	"testing"

	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/user"
)

// planMatcher matches rules whose first clause value equals the user's plan.
type planMatcher struct{}

func (planMatcher) Matches(u *user.User, rule *rules.Rule) bool {
	plan, ok := u.Attribute("plan")
	return ok && len(rule.Clauses) > 0 && len(rule.Clauses[0].Values) > 0 && rule.Clauses[0].Values[0] == plan
}

func rows(segmentID string, state store.SegmentUserState, users ...string) []store.SegmentUser {
	out := make([]store.SegmentUser, 0, len(users))
	for _, u := range users {
		out = append(out, store.SegmentUser{SegmentID: segmentID, UserID: u, State: state})
	}
	return out
}

func TestIsMember(t *testing.T) {
	beta := store.Segment{
		ID: "beta",
		Rules: []rules.Rule{{
			ID:      "pro-plan",
			Clauses: []rules.Clause{{ID: "c", Attribute: "plan", Operator: rules.OpEquals, Values: []string{"pro"}}},
		}},
	}
	deleted := store.Segment{ID: "gone", Deleted: true}

	var membership []store.SegmentUser
	membership = append(membership, rows("beta", store.SegmentUserIncluded, "alice", "carol")...)
	membership = append(membership, rows("beta", store.SegmentUserExcluded, "carol", "dave")...)
	membership = append(membership, rows("gone", store.SegmentUserIncluded, "alice")...)
	membership = append(membership, store.SegmentUser{SegmentID: "beta", UserID: "erin", State: store.SegmentUserIncluded, Deleted: true})

	r := NewResolver([]store.Segment{beta, deleted}, membership, planMatcher{})

	tests := []struct {
		name    string
		user    *user.User
		segment string
		want    bool
	}{
		{name: "explicitly included", user: &user.User{ID: "alice"}, segment: "beta", want: true},
		{name: "included and excluded: exclusion wins", user: &user.User{ID: "carol"}, segment: "beta", want: false},
		{name: "excluded beats matching rule", user: &user.User{ID: "dave", Data: map[string]string{"plan": "pro"}}, segment: "beta", want: false},
		{name: "rule match", user: &user.User{ID: "bob", Data: map[string]string{"plan": "pro"}}, segment: "beta", want: true},
		{name: "rule miss", user: &user.User{ID: "bob", Data: map[string]string{"plan": "free"}}, segment: "beta", want: false},
		{name: "deleted row ignored", user: &user.User{ID: "erin"}, segment: "beta", want: false},
		{name: "deleted segment fails closed", user: &user.User{ID: "alice"}, segment: "gone", want: false},
		{name: "unknown segment", user: &user.User{ID: "alice"}, segment: "missing", want: false},
		{name: "nil user", user: nil, segment: "beta", want: false},
		{name: "anonymous user can match rules", user: &user.User{Data: map[string]string{"plan": "pro"}}, segment: "beta", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.IsMemberOf(tt.user, tt.segment); got != tt.want {
				t.Fatalf("IsMemberOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMember_MalformedInput(t *testing.T) {
	r := NewResolver(nil, rows("s", store.SegmentUserIncluded, "alice"), nil)
	u := &user.User{ID: "alice"}

	if r.IsMember(u, nil) {
		t.Error("nil segment must not match")
	}
	if r.IsMember(u, &store.Segment{}) {
		t.Error("segment without id must not match")
	}
	// Explicit lists still work without a matcher
	if !r.IsMember(u, &store.Segment{ID: "s"}) {
		t.Error("explicit inclusion should match without a rule matcher")
	}
	// Rules are ignored without a matcher
	withRules := &store.Segment{ID: "other", Rules: []rules.Rule{{ID: "r"}}}
	if r.IsMember(&user.User{ID: "bob"}, withRules) {
		t.Error("rules must not match without a matcher")
	}

	var nilResolver *Resolver
	if nilResolver.IsMemberOf(u, "s") {
		t.Error("nil resolver must fail closed")
	}
}

func TestIndex_UnknownStateSkipped(t *testing.T) {
	idx := NewIndex([]store.SegmentUser{{SegmentID: "s", UserID: "u", State: "PENDING"}})
	if idx.Included("s", "u") || idx.Excluded("s", "u") {
		t.Error("rows with unknown state must be ignored")
	}
}
