// Package cache stores encoded evaluation bundles so that repeated requests
// for the same user against the same snapshot skip evaluation.
//
// Keys embed the snapshot ETag, so a snapshot swap makes every older entry
// unreachable without explicit invalidation. Entries still expire after the
// configured TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TimurManjosov/flageval/internal/evaluation"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/TimurManjosov/flageval/internal/user"
	"github.com/zeebo/xxh3"
)

// Supported cache types.
const (
	TypeNone   = "none"
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// Cache is a byte-oriented TTL cache.
type Cache interface {
	// Get returns the value for key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Options configures New.
type Options struct {
	Type     string
	RedisURL string
	MaxCost  int64 // memory cache budget in bytes, default 64 MiB
}

// New creates the cache named by opts.Type.
func New(ctx context.Context, opts Options) (Cache, error) {
	switch opts.Type {
	case "", TypeNone:
		return Noop{}, nil
	case TypeMemory:
		return NewRistretto(opts.MaxCost)
	case TypeRedis:
		if opts.RedisURL == "" {
			return nil, errors.New("redis cache requires REDIS_URL")
		}
		return NewRedis(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", opts.Type)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Close() error                                             { return nil }

// Key builds the cache key of an evaluation request. Attribute order does
// not matter.
func Key(environment, etag string, u *user.User, opts evaluation.Options) string {
	var b strings.Builder
	b.WriteString(u.ID)
	for _, k := range u.SortedKeys() {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.Data[k])
	}
	b.WriteByte('\x00')
	b.WriteString(opts.Tag)
	b.WriteByte('\x00')
	b.WriteString(opts.FeatureID)
	return "evals:" + environment + ":" + etag + ":" + strconv.FormatUint(xxh3.HashString(b.String()), 16)
}

// Evaluations wraps a Cache with typed access to evaluation bundles.
type Evaluations struct {
	cache Cache
	ttl   time.Duration
}

// NewEvaluations creates a typed view over c. A non-positive ttl defaults to
// one minute.
func NewEvaluations(c Cache, ttl time.Duration) *Evaluations {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Evaluations{cache: c, ttl: ttl}
}

// Get returns the cached bundle for key. Undecodable entries count as misses.
func (e *Evaluations) Get(ctx context.Context, key string) (*evaluation.UserEvaluations, bool, error) {
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		telemetry.CacheLookups.WithLabelValues("error").Inc()
		return nil, false, err
	}
	if !ok {
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	var out evaluation.UserEvaluations
	if err := json.Unmarshal(raw, &out); err != nil {
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	telemetry.CacheLookups.WithLabelValues("hit").Inc()
	return &out, true, nil
}

// Set stores a bundle under key.
func (e *Evaluations) Set(ctx context.Context, key string, v *evaluation.UserEvaluations) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode evaluations: %w", err)
	}
	return e.cache.Set(ctx, key, raw, e.ttl)
}
