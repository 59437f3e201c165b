// Package command holds the write side: every mutation of a flag, segment or
// trigger is a named command applied to a copy of the stored entity, checked,
// persisted as a new version and recorded in the audit log.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel errors returned by command handlers. Store errors such as
// store.ErrNotFound and store.ErrVersionConflict are passed through wrapped.
var (
	ErrInvalidCommand   = errors.New("invalid command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrRuleNotFound     = errors.New("rule not found")
	ErrClauseNotFound   = errors.New("clause not found")
	ErrVariationMissing = errors.New("variation not found")
	ErrVariationInUse   = errors.New("variation in use")
	ErrFeatureInUse     = errors.New("feature is a dependency of another feature")
	ErrSegmentInUse     = errors.New("segment in use")
	ErrDependencyCycle  = errors.New("dependency cycle")
)

// Command is implemented by every command. CommandName is the stable identifier
// used on the wire and in the audit log.
type Command interface {
	CommandName() string
}

// Rebuilder reloads the snapshot of an environment after a write.
type Rebuilder interface {
	Refresh(ctx context.Context, env string) error
}

// Handler applies commands against a store.
type Handler struct {
	store   store.Store
	audit   audit.Logger
	rebuild Rebuilder
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHandler creates a command handler. rebuild may be nil when no snapshot
// needs to follow the store.
func NewHandler(st store.Store, auditLog audit.Logger, rebuild Rebuilder, logger zerolog.Logger) *Handler {
	return &Handler{
		store:   st,
		audit:   auditLog,
		rebuild: rebuild,
		logger:  logger.With().Str("component", "command").Logger(),
		now:     time.Now,
	}
}

func (h *Handler) startSpan(ctx context.Context, cmd Command, env, resourceID string) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "command."+cmd.CommandName())
	span.SetAttributes(
		attribute.String("environment", env),
		attribute.String("resource_id", resourceID),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// record writes the audit event of a command outcome.
func (h *Handler) record(ctx context.Context, cmd Command, resourceType, resourceID, env string, version int64, before, after any, err error) {
	if h.audit == nil {
		return
	}
	b := audit.NewEventBuilder(ctx).
		ForResource(resourceType, resourceID).
		WithCommand(cmd.CommandName()).
		WithEnvironment(env).
		WithVersion(version).
		WithStates(before, after)
	if err != nil {
		b.Failure(err)
	}
	h.audit.Log(b.Build())
}

// refresh rebuilds the environment snapshot. The write already succeeded, so
// a failure is only logged; the periodic refresh catches up.
func (h *Handler) refresh(ctx context.Context, env string) {
	if h.rebuild == nil {
		return
	}
	if err := h.rebuild.Refresh(ctx, env); err != nil {
		h.logger.Error().Err(err).Str("environment", env).Msg("snapshot rebuild after command failed")
	}
}

// unchanged reports whether applying a command left the entity as it was.
func unchanged(before, after any) bool {
	return audit.ComputeChanges(audit.ToMap(before), audit.ToMap(after)) == nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}
