package store

import (
	"context"
	"errors"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrReadOnly        = errors.New("store: read-only backend")
)

// FlagStore persists flags per environment namespace.
type FlagStore interface {
	// ListFlags returns every non-deleted flag of the environment.
	// Returns an empty slice if no flags are found.
	ListFlags(ctx context.Context, env string) ([]Flag, error)

	// GetFlag returns ErrNotFound if the flag does not exist.
	GetFlag(ctx context.Context, env, id string) (*Flag, error)

	// PutFlag writes a new version of a flag. A flag with Version 1 is a
	// create; any other version must be exactly one above the stored one,
	// otherwise ErrVersionConflict is returned.
	PutFlag(ctx context.Context, flag Flag) error
}

// SegmentStore persists segments and their explicit user lists.
type SegmentStore interface {
	ListSegments(ctx context.Context, env string) ([]Segment, error)
	GetSegment(ctx context.Context, env, id string) (*Segment, error)
	// PutSegment follows the same versioning contract as PutFlag.
	PutSegment(ctx context.Context, segment Segment) error

	ListSegmentUsers(ctx context.Context, env string) ([]SegmentUser, error)
	// PutSegmentUser is idempotent on (segment, user, state).
	PutSegmentUser(ctx context.Context, u SegmentUser) error
	DeleteSegmentUser(ctx context.Context, env, segmentID, userID string, state SegmentUserState) error
}

// TriggerStore persists flag triggers. Triggers are looked up by id alone
// from the webhook boundary, where the environment is not yet known.
type TriggerStore interface {
	ListTriggers(ctx context.Context, env, featureID string) ([]FlagTrigger, error)
	GetTrigger(ctx context.Context, id string) (*FlagTrigger, error)
	PutTrigger(ctx context.Context, trigger FlagTrigger) error
	DeleteTrigger(ctx context.Context, id string) error
}

// Store is the full persistence surface used by the command handlers and
// the snapshot loader. Implementations must be safe for concurrent use.
type Store interface {
	FlagStore
	SegmentStore
	TriggerStore

	// ListEnvironments returns every environment namespace known to the store.
	ListEnvironments(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	// After Close is called, the store should not be used.
	Close() error
}
