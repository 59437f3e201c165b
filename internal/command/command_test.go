package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (l *eventLog) Log(e audit.AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) last(t *testing.T) audit.AuditEvent {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.events, "no audit events recorded")
	return l.events[len(l.events)-1]
}

type refreshCounter struct {
	mu   sync.Mutex
	envs []string
}

func (r *refreshCounter) Refresh(_ context.Context, env string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

type fixture struct {
	store   *store.MemoryStore
	log     *eventLog
	refresh *refreshCounter
	handler *Handler
	now     time.Time
	ctx     context.Context
	env     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		log:     &eventLog{},
		refresh: &refreshCounter{},
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ctx:     context.Background(),
		env:     "prod",
	}
	f.handler = NewHandler(f.store, f.log, f.refresh, zerolog.Nop())
	f.handler.now = func() time.Time { return f.now }
	return f
}

// createFeature creates a boolean flag with variations "on" and "off".
func (f *fixture) createFeature(t *testing.T, id string) *store.Flag {
	t.Helper()
	flag, err := f.handler.CreateFeature(f.ctx, f.env, CreateFeature{
		ID:                       id,
		Name:                     id,
		VariationType:            store.VariationBoolean,
		Variations:               []store.Variation{{ID: "on", Value: "true"}, {ID: "off", Value: "false"}},
		DefaultOnVariationIndex:  0,
		DefaultOffVariationIndex: 1,
	})
	require.NoError(t, err)
	return flag
}

func (f *fixture) apply(t *testing.T, id string, cmds ...FeatureCommand) *store.Flag {
	t.Helper()
	var flag *store.Flag
	for _, cmd := range cmds {
		var err error
		flag, err = f.handler.HandleFeature(f.ctx, f.env, id, cmd)
		require.NoError(t, err, cmd.CommandName())
	}
	return flag
}
