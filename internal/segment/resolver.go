// Package segment decides whether a user belongs to a segment.
//
// Membership is resolved in a fixed order: an explicit exclusion always wins,
// then an explicit inclusion, then any of the segment's rules. Malformed or
// missing segment data resolves to "not a member" so that targeting never
// fails a live evaluation.
package segment

import (
	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/user"
)

// RuleMatcher evaluates a segment rule against a user.
type RuleMatcher interface {
	Matches(u *user.User, rule *rules.Rule) bool
}

// Index holds explicit membership rows keyed by segment id, then user id.
type Index struct {
	included map[string]map[string]struct{}
	excluded map[string]map[string]struct{}
}

// NewIndex builds an index from membership rows. Deleted rows and rows with
// an unknown state are skipped.
func NewIndex(rows []store.SegmentUser) *Index {
	idx := &Index{
		included: make(map[string]map[string]struct{}),
		excluded: make(map[string]map[string]struct{}),
	}
	for _, row := range rows {
		if row.Deleted || row.SegmentID == "" || row.UserID == "" {
			continue
		}
		var target map[string]map[string]struct{}
		switch row.State {
		case store.SegmentUserIncluded:
			target = idx.included
		case store.SegmentUserExcluded:
			target = idx.excluded
		default:
			continue
		}
		users, ok := target[row.SegmentID]
		if !ok {
			users = make(map[string]struct{})
			target[row.SegmentID] = users
		}
		users[row.UserID] = struct{}{}
	}
	return idx
}

// Included reports whether userID is explicitly included in segmentID.
func (i *Index) Included(segmentID, userID string) bool {
	_, ok := i.included[segmentID][userID]
	return ok
}

// Excluded reports whether userID is explicitly excluded from segmentID.
func (i *Index) Excluded(segmentID, userID string) bool {
	_, ok := i.excluded[segmentID][userID]
	return ok
}

// Resolver answers membership questions against one immutable snapshot of
// segments and membership rows. It is safe for concurrent use.
type Resolver struct {
	segments map[string]*store.Segment
	index    *Index
	matcher  RuleMatcher
}

// NewResolver builds a resolver. matcher may be nil, in which case segment
// rules never match.
func NewResolver(segments []store.Segment, rows []store.SegmentUser, matcher RuleMatcher) *Resolver {
	byID := make(map[string]*store.Segment, len(segments))
	for i := range segments {
		s := segments[i]
		byID[s.ID] = &s
	}
	return &Resolver{segments: byID, index: NewIndex(rows), matcher: matcher}
}

// Segment returns the segment with the given id.
func (r *Resolver) Segment(id string) (*store.Segment, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.segments[id]
	return s, ok
}

// IsMember decides inclusion of u in seg.
func (r *Resolver) IsMember(u *user.User, seg *store.Segment) bool {
	if r == nil || u == nil || seg == nil || seg.ID == "" || seg.Deleted {
		return false
	}
	if u.ID != "" {
		if r.index.Excluded(seg.ID, u.ID) {
			return false
		}
		if r.index.Included(seg.ID, u.ID) {
			return true
		}
	}
	if r.matcher == nil {
		return false
	}
	for i := range seg.Rules {
		if r.matcher.Matches(u, &seg.Rules[i]) {
			return true
		}
	}
	return false
}

// IsMemberOf resolves the segment by id first. Unknown segments are not matched.
func (r *Resolver) IsMemberOf(u *user.User, segmentID string) bool {
	seg, ok := r.Segment(segmentID)
	if !ok {
		return false
	}
	return r.IsMember(u, seg)
}
