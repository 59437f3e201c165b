package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/zeebo/xxh3"
)

// Snapshot is the immutable state of one environment. Evaluations read a
// Snapshot without locking; a refresh builds a new one and swaps it in.
type Snapshot struct {
	Environment  string              `json:"environment"`
	ETag         string              `json:"etag"`
	Flags        []store.Flag        `json:"flags"`
	Segments     []store.Segment     `json:"segments"`
	SegmentUsers []store.SegmentUser `json:"segmentUsers,omitempty"`
	UpdatedAt    time.Time           `json:"updatedAt"`

	env *engine.Env
}

// Build assembles a snapshot from store rows. Inputs are sorted so that the
// ETag depends only on content.
func Build(environment string, flags []store.Flag, segments []store.Segment, segmentUsers []store.SegmentUser) *Snapshot {
	flags = append([]store.Flag(nil), flags...)
	segments = append([]store.Segment(nil), segments...)
	segmentUsers = append([]store.SegmentUser(nil), segmentUsers...)
	sort.Slice(flags, func(i, j int) bool { return flags[i].ID < flags[j].ID })
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	sort.Slice(segmentUsers, func(i, j int) bool {
		if segmentUsers[i].SegmentID != segmentUsers[j].SegmentID {
			return segmentUsers[i].SegmentID < segmentUsers[j].SegmentID
		}
		return segmentUsers[i].UserID < segmentUsers[j].UserID
	})
	if flags == nil {
		flags = []store.Flag{}
	}
	if segments == nil {
		segments = []store.Segment{}
	}

	blob, _ := json.Marshal(struct {
		Flags        []store.Flag        `json:"flags"`
		Segments     []store.Segment     `json:"segments"`
		SegmentUsers []store.SegmentUser `json:"segmentUsers"`
	}{flags, segments, segmentUsers})
	etag := fmt.Sprintf(`W/"%016x"`, xxh3.Hash(blob))

	return &Snapshot{
		Environment:  environment,
		ETag:         etag,
		Flags:        flags,
		Segments:     segments,
		SegmentUsers: segmentUsers,
		UpdatedAt:    time.Now().UTC(),
		env:          engine.NewEnv(flags, segments, segmentUsers),
	}
}

// Empty is the snapshot of an environment that has never been loaded.
func Empty(environment string) *Snapshot {
	return Build(environment, nil, nil, nil)
}

// Env returns the evaluation view of the snapshot.
func (s *Snapshot) Env() *engine.Env {
	return s.env
}

// Flag returns the flag with the given id.
func (s *Snapshot) Flag(id string) (*store.Flag, bool) {
	f, ok := s.env.Flags[id]
	return f, ok
}

// Load reads one environment from st and builds its snapshot.
func Load(ctx context.Context, st store.Store, environment string) (*Snapshot, error) {
	flags, err := st.ListFlags(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	segments, err := st.ListSegments(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	users, err := st.ListSegmentUsers(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("list segment users: %w", err)
	}
	return Build(environment, flags, segments, users), nil
}
