package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Ristretto is an in-process cache. Entries cost their size in bytes.
type Ristretto struct {
	cache *ristretto.Cache
}

// NewRistretto creates an in-process cache bounded to maxCost bytes.
func NewRistretto(maxCost int64) (*Ristretto, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 100, // ~10x the expected number of 1KB entries
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Ristretto{cache: c}, nil
}

func (r *Ristretto) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	raw, ok := v.([]byte)
	return raw, ok, nil
}

// Set admits the entry asynchronously. A rejected admission is not an error.
func (r *Ristretto) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	r.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Wait blocks until pending writes are applied.
func (r *Ristretto) Wait() {
	r.cache.Wait()
}

func (r *Ristretto) Close() error {
	r.cache.Close()
	return nil
}
