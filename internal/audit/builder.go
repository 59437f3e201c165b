package audit

import (
	"context"
	"net/http"

	"github.com/TimurManjosov/flageval/internal/auth"
	"github.com/go-chi/chi/v5/middleware"
)

type actorKey struct{}

// WithActor attaches the actor issuing commands to ctx. It takes precedence
// over the authenticated API key.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the explicit actor, the authenticated API key or
// SystemActor, in that order.
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
		return actor
	}
	if name, ok := auth.GetKeyNameFromContext(ctx); ok {
		return Actor{Kind: ActorKindAPIKey, ID: name, Display: "api_key:" + name}
	}
	return SystemActor
}

type sourceKey struct{}

// WithRequestSource stores the caller address and user agent of r in its
// context so events built further down carry them.
func WithRequestSource(r *http.Request) context.Context {
	return context.WithValue(r.Context(), sourceKey{}, Source{
		IPAddress: auth.GetIPAddress(r),
		UserAgent: r.UserAgent(),
	})
}

// EventBuilder provides a fluent API for constructing audit events.
//
// Usage:
//
//	event := audit.NewEventBuilder(ctx).
//		ForResource(audit.ResourceTypeFeature, flag.ID).
//		WithCommand("EnableFeature").
//		WithEnvironment(env).
//		WithStates(before, after).
//		Success().
//		Build()
//
//	service.Log(event)
type EventBuilder struct {
	event AuditEvent
}

// NewEventBuilder creates a new builder initialized from ctx: request ID,
// actor and request source.
func NewEventBuilder(ctx context.Context) *EventBuilder {
	source, _ := ctx.Value(sourceKey{}).(Source)
	return &EventBuilder{
		event: AuditEvent{
			RequestID: middleware.GetReqID(ctx),
			Actor:     ActorFromContext(ctx),
			Source:    source,
			Status:    StatusSuccess, // Default to success, caller can override
		},
	}
}

// ForResource sets the resource type and ID for the event.
func (b *EventBuilder) ForResource(resourceType, resourceID string) *EventBuilder {
	b.event.ResourceType = resourceType
	b.event.ResourceID = resourceID
	return b
}

// WithCommand sets the command name.
func (b *EventBuilder) WithCommand(name string) *EventBuilder {
	b.event.Command = name
	return b
}

func (b *EventBuilder) WithEnvironment(env string) *EventBuilder {
	b.event.Environment = env
	return b
}

// WithVersion records the resource version after the command.
func (b *EventBuilder) WithVersion(version int64) *EventBuilder {
	b.event.Version = version
	return b
}

// WithStates converts before and after to JSON objects. Either may be nil.
func (b *EventBuilder) WithStates(before, after any) *EventBuilder {
	b.event.BeforeState = ToMap(before)
	b.event.AfterState = ToMap(after)
	return b
}

// Success marks the event as successful (default).
func (b *EventBuilder) Success() *EventBuilder {
	b.event.Status = StatusSuccess
	b.event.ErrorMessage = ""
	return b
}

// Failure marks the event as failed and records err.
func (b *EventBuilder) Failure(err error) *EventBuilder {
	b.event.Status = StatusFailure
	if err != nil {
		b.event.ErrorMessage = err.Error()
	}
	return b
}

// Build returns the constructed AuditEvent. Successful events carry the
// changes between their states.
func (b *EventBuilder) Build() AuditEvent {
	e := b.event
	if e.Status == StatusSuccess && e.Changes == nil {
		e.Changes = ComputeChanges(e.BeforeState, e.AfterState)
	}
	return e
}
