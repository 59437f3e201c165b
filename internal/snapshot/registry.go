package snapshot

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/TimurManjosov/flageval/internal/telemetry"
)

// Registry holds the active snapshot of every environment. Readers never
// block: each environment is an atomic pointer that Store swaps. The mutex
// only guards adding new environments.
type Registry struct {
	mu       sync.RWMutex
	envs     map[string]*atomic.Pointer[Snapshot]
	notifier *Notifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		envs:     make(map[string]*atomic.Pointer[Snapshot]),
		notifier: NewNotifier(),
	}
}

// Load returns the active snapshot of environment.
func (r *Registry) Load(environment string) (*Snapshot, bool) {
	r.mu.RLock()
	p, ok := r.envs[environment]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s := p.Load()
	return s, s != nil
}

// Store swaps in s as the active snapshot of its environment and notifies
// subscribers when the content changed. In-flight readers keep the snapshot
// they already loaded.
func (r *Registry) Store(s *Snapshot) {
	r.mu.RLock()
	p, ok := r.envs[s.Environment]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if p, ok = r.envs[s.Environment]; !ok {
			p = &atomic.Pointer[Snapshot]{}
			r.envs[s.Environment] = p
		}
		r.mu.Unlock()
	}

	old := p.Swap(s)
	telemetry.SnapshotFlags.WithLabelValues(s.Environment).Set(float64(len(s.Flags)))
	if old == nil || old.ETag != s.ETag {
		r.notifier.Publish(Update{Environment: s.Environment, ETag: s.ETag})
	}
}

// Environments lists the environments with an active snapshot.
func (r *Registry) Environments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.envs))
	for env := range r.envs {
		out = append(out, env)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers for snapshot updates of env, or of every environment
// when env is empty.
func (r *Registry) Subscribe(env string) (<-chan Update, func()) {
	return r.notifier.Subscribe(env)
}

// Subscribers returns the number of update listeners.
func (r *Registry) Subscribers() int {
	return r.notifier.Subscribers()
}
