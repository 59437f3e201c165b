package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables used by PostgresStore. Flags and segments are
// stored as JSONB documents next to the columns needed for versioning and lookup.
const Schema = `
CREATE TABLE IF NOT EXISTS flags (
	env        TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	data       JSONB   NOT NULL,
	updated_at BIGINT  NOT NULL,
	PRIMARY KEY (env, id)
);
CREATE TABLE IF NOT EXISTS segments (
	env        TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	version    BIGINT  NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	data       JSONB   NOT NULL,
	updated_at BIGINT  NOT NULL,
	PRIMARY KEY (env, id)
);
CREATE TABLE IF NOT EXISTS segment_users (
	id         TEXT NOT NULL,
	env        TEXT NOT NULL,
	segment_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	state      TEXT NOT NULL,
	PRIMARY KEY (env, segment_id, user_id, state)
);
CREATE TABLE IF NOT EXISTS flag_triggers (
	id                TEXT    PRIMARY KEY,
	env               TEXT    NOT NULL,
	feature_id        TEXT    NOT NULL,
	type              TEXT    NOT NULL,
	action            TEXT    NOT NULL,
	description       TEXT    NOT NULL DEFAULT '',
	trigger_count     INTEGER NOT NULL DEFAULT 0,
	last_triggered_at BIGINT  NOT NULL DEFAULT 0,
	token_hash        TEXT    NOT NULL,
	disabled          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        BIGINT  NOT NULL,
	updated_at        BIGINT  NOT NULL
);
CREATE INDEX IF NOT EXISTS flag_triggers_feature_idx ON flag_triggers (env, feature_id);
`

const uniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the connection pool so other tables, such as the audit
// log, can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

// Migrate creates the schema if it does not exist yet.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// ListFlags retrieves all non-deleted flags for the given environment.
func (p *PostgresStore) ListFlags(ctx context.Context, env string) ([]Flag, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT data FROM flags WHERE env = $1 AND NOT deleted ORDER BY id`, env)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return collectDocuments[Flag](rows)
}

// GetFlag retrieves a single flag by id.
func (p *PostgresStore) GetFlag(ctx context.Context, env, id string) (*Flag, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM flags WHERE env = $1 AND id = $2`, env, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get flag: %w", err)
	}
	var f Flag
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode flag %q: %w", id, err)
	}
	return &f, nil
}

// PutFlag inserts version 1 or advances an existing flag by exactly one version.
func (p *PostgresStore) PutFlag(ctx context.Context, flag Flag) error {
	data, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("encode flag %q: %w", flag.ID, err)
	}
	if flag.Version == 1 {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO flags (env, id, version, deleted, data, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			flag.EnvironmentNamespace, flag.ID, flag.Version, flag.Deleted, data, flag.UpdatedAt)
		return translateInsertError(err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE flags SET version = $3, deleted = $4, data = $5, updated_at = $6
		 WHERE env = $1 AND id = $2 AND version = $3 - 1`,
		flag.EnvironmentNamespace, flag.ID, flag.Version, flag.Deleted, data, flag.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListSegments retrieves all non-deleted segments for the given environment.
func (p *PostgresStore) ListSegments(ctx context.Context, env string) ([]Segment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT data FROM segments WHERE env = $1 AND NOT deleted ORDER BY id`, env)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return collectDocuments[Segment](rows)
}

// GetSegment retrieves a single segment by id.
func (p *PostgresStore) GetSegment(ctx context.Context, env, id string) (*Segment, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM segments WHERE env = $1 AND id = $2`, env, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get segment: %w", err)
	}
	var s Segment
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode segment %q: %w", id, err)
	}
	return &s, nil
}

// PutSegment inserts version 1 or advances an existing segment by exactly one version.
func (p *PostgresStore) PutSegment(ctx context.Context, segment Segment) error {
	data, err := json.Marshal(segment)
	if err != nil {
		return fmt.Errorf("encode segment %q: %w", segment.ID, err)
	}
	if segment.Version == 1 {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO segments (env, id, version, deleted, data, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			segment.EnvironmentNamespace, segment.ID, segment.Version, segment.Deleted, data, segment.UpdatedAt)
		return translateInsertError(err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE segments SET version = $3, deleted = $4, data = $5, updated_at = $6
		 WHERE env = $1 AND id = $2 AND version = $3 - 1`,
		segment.EnvironmentNamespace, segment.ID, segment.Version, segment.Deleted, data, segment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListSegmentUsers retrieves every membership row of env.
func (p *PostgresStore) ListSegmentUsers(ctx context.Context, env string) ([]SegmentUser, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, env, segment_id, user_id, state FROM segment_users WHERE env = $1`, env)
	if err != nil {
		return nil, fmt.Errorf("list segment users: %w", err)
	}
	defer rows.Close()

	var result []SegmentUser
	for rows.Next() {
		var u SegmentUser
		var state string
		if err := rows.Scan(&u.ID, &u.EnvironmentNamespace, &u.SegmentID, &u.UserID, &state); err != nil {
			return nil, fmt.Errorf("scan segment user: %w", err)
		}
		u.State = SegmentUserState(state)
		result = append(result, u)
	}
	return result, rows.Err()
}

// PutSegmentUser upserts a membership row.
func (p *PostgresStore) PutSegmentUser(ctx context.Context, u SegmentUser) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO segment_users (id, env, segment_id, user_id, state) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (env, segment_id, user_id, state) DO UPDATE SET id = EXCLUDED.id`,
		u.ID, u.EnvironmentNamespace, u.SegmentID, u.UserID, string(u.State))
	if err != nil {
		return fmt.Errorf("put segment user: %w", err)
	}
	return nil
}

// DeleteSegmentUser removes a membership row. Missing rows are not an error.
func (p *PostgresStore) DeleteSegmentUser(ctx context.Context, env, segmentID, userID string, state SegmentUserState) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM segment_users WHERE env = $1 AND segment_id = $2 AND user_id = $3 AND state = $4`,
		env, segmentID, userID, string(state))
	if err != nil {
		return fmt.Errorf("delete segment user: %w", err)
	}
	return nil
}

const triggerColumns = `id, env, feature_id, type, action, description, trigger_count,
	last_triggered_at, token_hash, disabled, created_at, updated_at`

// ListTriggers retrieves the triggers attached to a flag.
func (p *PostgresStore) ListTriggers(ctx context.Context, env, featureID string) ([]FlagTrigger, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+triggerColumns+` FROM flag_triggers WHERE env = $1 AND feature_id = $2 ORDER BY id`,
		env, featureID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var result []FlagTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// GetTrigger retrieves a trigger by id.
func (p *PostgresStore) GetTrigger(ctx context.Context, id string) (*FlagTrigger, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM flag_triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// PutTrigger creates or replaces a trigger.
func (p *PostgresStore) PutTrigger(ctx context.Context, t FlagTrigger) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO flag_triggers (`+triggerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			action = EXCLUDED.action, description = EXCLUDED.description,
			trigger_count = EXCLUDED.trigger_count, last_triggered_at = EXCLUDED.last_triggered_at,
			token_hash = EXCLUDED.token_hash, disabled = EXCLUDED.disabled, updated_at = EXCLUDED.updated_at`,
		t.ID, t.EnvironmentNamespace, t.FeatureID, string(t.Type), string(t.Action), t.Description,
		t.TriggerCount, t.LastTriggeredAt, t.TokenHash, t.Disabled, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put trigger: %w", err)
	}
	return nil
}

// DeleteTrigger removes a trigger. Idempotent.
func (p *PostgresStore) DeleteTrigger(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM flag_triggers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return nil
}

// ListEnvironments returns every environment holding flags or segments.
func (p *PostgresStore) ListEnvironments(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT env FROM flags UNION SELECT env FROM segments ORDER BY env`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Close closes the database connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func collectDocuments[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	result := make([]T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDocument[T](raw)
		if err != nil {
			return nil, err
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

func decodeDocument[T any](raw []byte) (T, error) {
	var doc T
	if len(raw) == 0 {
		return doc, fmt.Errorf("decode document: empty payload")
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func scanTrigger(row pgx.Row) (FlagTrigger, error) {
	var t FlagTrigger
	var typ, action string
	err := row.Scan(&t.ID, &t.EnvironmentNamespace, &t.FeatureID, &typ, &action, &t.Description,
		&t.TriggerCount, &t.LastTriggeredAt, &t.TokenHash, &t.Disabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan trigger: %w", err)
	}
	t.Type = TriggerType(typ)
	t.Action = TriggerAction(action)
	return t, nil
}

func translateInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return fmt.Errorf("insert: %w", err)
}
