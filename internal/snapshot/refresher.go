package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RefresherOptions tunes a Refresher. Zero values select the defaults.
type RefresherOptions struct {
	Interval     time.Duration // between full reloads, default 30s
	MaxElapsed   time.Duration // retry budget per environment, default 10s
	Concurrency  int           // environments loaded in parallel, default 4
	Environments []string      // always loaded, even when the store has no rows yet
}

// Refresher reloads environment snapshots from the store and swaps them into
// the registry. A failed reload keeps the previous snapshot.
type Refresher struct {
	store    store.Store
	registry *Registry
	logger   zerolog.Logger
	opts     RefresherOptions

	// one lock per environment; a load and its swap are never interleaved
	// with another refresh of the same environment
	locks sync.Map
}

// NewRefresher creates a refresher.
func NewRefresher(st store.Store, registry *Registry, logger zerolog.Logger, opts RefresherOptions) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Refresher{
		store:    st,
		registry: registry,
		logger:   logger.With().Str("component", "snapshot_refresher").Logger(),
		opts:     opts,
	}
}

// Refresh reloads one environment, retrying with exponential backoff.
func (r *Refresher) Refresh(ctx context.Context, environment string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "snapshot.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("environment", environment))

	lock, _ := r.locks.LoadOrStore(environment, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	snap, err := backoff.Retry(ctx, func() (*Snapshot, error) {
		return Load(ctx, r.store, environment)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(r.opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn().Err(err).Str("environment", environment).Dur("retry_in", next).Msg("snapshot load failed")
		}),
	)
	if err != nil {
		telemetry.SnapshotRefreshFailures.WithLabelValues(environment).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return fmt.Errorf("refresh %s: %w", environment, err)
	}

	r.registry.Store(snap)
	r.logger.Debug().Str("environment", environment).Str("etag", snap.ETag).Int("flags", len(snap.Flags)).Msg("snapshot refreshed")
	return nil
}

// RefreshAll reloads every known environment concurrently and returns the
// joined errors of the environments that failed.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	envs, err := r.environments(ctx)
	if err != nil {
		return err
	}

	p := pool.New().WithMaxGoroutines(r.opts.Concurrency).WithErrors().WithContext(ctx)
	for _, env := range envs {
		p.Go(func(ctx context.Context) error {
			return r.Refresh(ctx, env)
		})
	}
	return p.Wait()
}

// Run reloads on every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshAll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("periodic snapshot refresh failed")
			}
		}
	}
}

func (r *Refresher) environments(ctx context.Context) ([]string, error) {
	stored, err := r.store.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{r.opts.Environments, stored, r.registry.Environments()} {
		for _, env := range group {
			if _, ok := seen[env]; ok {
				continue
			}
			seen[env] = struct{}{}
			out = append(out, env)
		}
	}
	sort.Strings(out)
	return out, nil
}
