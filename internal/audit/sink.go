package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Schema creates the audit_events table used by PostgresSink.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT        PRIMARY KEY,
	occurred_at   TIMESTAMPTZ NOT NULL,
	request_id    TEXT        NOT NULL DEFAULT '',
	actor         JSONB       NOT NULL,
	ip_address    TEXT        NOT NULL DEFAULT '',
	user_agent    TEXT        NOT NULL DEFAULT '',
	command       TEXT        NOT NULL,
	resource_type TEXT        NOT NULL,
	resource_id   TEXT        NOT NULL,
	environment   TEXT        NOT NULL DEFAULT '',
	version       BIGINT      NOT NULL DEFAULT 0,
	before_state  JSONB,
	after_state   JSONB,
	changes       JSONB,
	status        TEXT        NOT NULL,
	error_message TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_resource_idx ON audit_events (environment, resource_type, resource_id);
`

// PostgresSink implements AuditSink for PostgreSQL storage
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a new PostgreSQL audit sink
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Migrate creates the audit table if it does not exist yet.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Write persists an audit event to the database
func (s *PostgresSink) Write(ctx context.Context, event AuditEvent) error {
	actor, err := json.Marshal(event.Actor)
	if err != nil {
		return fmt.Errorf("encode actor: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (
			id, occurred_at, request_id, actor, ip_address, user_agent, command,
			resource_type, resource_id, environment, version,
			before_state, after_state, changes, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		event.ID, event.OccurredAt, event.RequestID, actor,
		event.Source.IPAddress, event.Source.UserAgent, event.Command,
		event.ResourceType, event.ResourceID, event.Environment, event.Version,
		jsonOrNil(event.BeforeState), jsonOrNil(event.AfterState), jsonOrNil(event.Changes),
		event.Status, event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func jsonOrNil(m map[string]any) []byte {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Write(_ context.Context, event AuditEvent) error {
	s.logger.Info().
		Str("event_id", event.ID).
		Str("request_id", event.RequestID).
		Str("actor", event.Actor.Display).
		Str("command", event.Command).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("environment", event.Environment).
		Int64("version", event.Version).
		Str("status", event.Status).
		Interface("changes", event.Changes).
		Msg("audit")
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded events in write order.
func (s *MemorySink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

// MultiSink writes every event to each of its sinks. A failing sink does not
// stop the others; the errors are joined.
type MultiSink []AuditSink

func (m MultiSink) Write(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
