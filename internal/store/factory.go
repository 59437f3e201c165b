package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	mydb "github.com/TimurManjosov/flageval/internal/db"
)

// Options configures NewStore.
type Options struct {
	Type     string // memory, postgres or file
	DSN      string // postgres connection string
	FilePath string // YAML flag file for the file store
	Logger   zerolog.Logger
}

// NewStore creates a new store based on the given store type.
// Supported types: "memory", "postgres", "file"
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := mydb.NewPool(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		pg := NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	case "file":
		if opts.FilePath == "" {
			return nil, fmt.Errorf("file store requires a flag file path")
		}
		return NewFileStore(opts.FilePath, opts.Logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}
