package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It uses maps keyed by environment namespace and an RWMutex for thread-safe
// concurrent access. Suitable for development, testing, or single-instance deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	flags        map[string]map[string]Flag    // env -> id -> Flag
	segments     map[string]map[string]Segment // env -> id -> Segment
	segmentUsers map[string][]SegmentUser      // env -> rows
	triggers     map[string]FlagTrigger        // id -> trigger
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags:        make(map[string]map[string]Flag),
		segments:     make(map[string]map[string]Segment),
		segmentUsers: make(map[string][]SegmentUser),
		triggers:     make(map[string]FlagTrigger),
	}
}

// ListFlags returns the non-deleted flags of env sorted by id.
func (m *MemoryStore) ListFlags(_ context.Context, env string) ([]Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Flag, 0, len(m.flags[env]))
	for _, f := range m.flags[env] {
		if f.Deleted {
			continue
		}
		result = append(result, f.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetFlag retrieves a single flag by id.
func (m *MemoryStore) GetFlag(_ context.Context, env, id string) (*Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flags[env][id]
	if !ok {
		return nil, ErrNotFound
	}
	c := f.Clone()
	return &c, nil
}

// PutFlag stores a new flag version.
func (m *MemoryStore) PutFlag(_ context.Context, flag Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.flags[flag.EnvironmentNamespace]
	if !ok {
		byID = make(map[string]Flag)
		m.flags[flag.EnvironmentNamespace] = byID
	}
	existing, exists := byID[flag.ID]
	if err := checkVersion(exists, int64(existing.Version), int64(flag.Version)); err != nil {
		return err
	}
	byID[flag.ID] = flag.Clone()
	return nil
}

// ListSegments returns the non-deleted segments of env sorted by id.
func (m *MemoryStore) ListSegments(_ context.Context, env string) ([]Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Segment, 0, len(m.segments[env]))
	for _, s := range m.segments[env] {
		if s.Deleted {
			continue
		}
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetSegment retrieves a single segment by id.
func (m *MemoryStore) GetSegment(_ context.Context, env, id string) (*Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.segments[env][id]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.Clone()
	return &c, nil
}

// PutSegment stores a new segment version.
func (m *MemoryStore) PutSegment(_ context.Context, segment Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.segments[segment.EnvironmentNamespace]
	if !ok {
		byID = make(map[string]Segment)
		m.segments[segment.EnvironmentNamespace] = byID
	}
	existing, exists := byID[segment.ID]
	if err := checkVersion(exists, existing.Version, segment.Version); err != nil {
		return err
	}
	byID[segment.ID] = segment.Clone()
	return nil
}

// ListSegmentUsers returns every non-deleted membership row of env.
func (m *MemoryStore) ListSegmentUsers(_ context.Context, env string) ([]SegmentUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.segmentUsers[env]
	result := make([]SegmentUser, 0, len(rows))
	for _, u := range rows {
		if !u.Deleted {
			result = append(result, u)
		}
	}
	return result, nil
}

// PutSegmentUser adds a membership row unless an identical one exists.
func (m *MemoryStore) PutSegmentUser(_ context.Context, u SegmentUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.segmentUsers[u.EnvironmentNamespace]
	for i, row := range rows {
		if row.SegmentID == u.SegmentID && row.UserID == u.UserID && row.State == u.State {
			rows[i] = u
			return nil
		}
	}
	m.segmentUsers[u.EnvironmentNamespace] = append(rows, u)
	return nil
}

// DeleteSegmentUser removes a membership row. Missing rows are not an error.
func (m *MemoryStore) DeleteSegmentUser(_ context.Context, env, segmentID, userID string, state SegmentUserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.segmentUsers[env]
	kept := rows[:0]
	for _, row := range rows {
		if row.SegmentID == segmentID && row.UserID == userID && row.State == state {
			continue
		}
		kept = append(kept, row)
	}
	m.segmentUsers[env] = kept
	return nil
}

// ListTriggers returns the non-deleted triggers of a flag.
func (m *MemoryStore) ListTriggers(_ context.Context, env, featureID string) ([]FlagTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []FlagTrigger
	for _, t := range m.triggers {
		if t.EnvironmentNamespace == env && t.FeatureID == featureID && !t.Deleted {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetTrigger retrieves a trigger by id.
func (m *MemoryStore) GetTrigger(_ context.Context, id string) (*FlagTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.triggers[id]
	if !ok || t.Deleted {
		return nil, ErrNotFound
	}
	return &t, nil
}

// PutTrigger creates or replaces a trigger.
func (m *MemoryStore) PutTrigger(_ context.Context, trigger FlagTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.triggers[trigger.ID] = trigger
	return nil
}

// DeleteTrigger removes a trigger. Idempotent.
func (m *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.triggers, id)
	return nil
}

// ListEnvironments returns every environment holding flags or segments.
func (m *MemoryStore) ListEnvironments(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for env := range m.flags {
		seen[env] = struct{}{}
	}
	for env := range m.segments {
		seen[env] = struct{}{}
	}
	envs := make([]string, 0, len(seen))
	for env := range seen {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs, nil
}

// Close is a no-op for MemoryStore as there are no resources to release.
func (m *MemoryStore) Close() error {
	return nil
}

// checkVersion enforces the create-at-1, then increment-by-one contract.
func checkVersion(exists bool, stored, next int64) error {
	if !exists {
		if next != 1 {
			return ErrVersionConflict
		}
		return nil
	}
	if next == 1 {
		return ErrAlreadyExists
	}
	if next != stored+1 {
		return ErrVersionConflict
	}
	return nil
}
