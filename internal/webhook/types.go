// Package webhook delivers change notifications for features, segments and
// triggers to subscriber URLs. Payloads are signed with a per-subscriber
// secret.
package webhook

import (
	"time"

	"github.com/TimurManjosov/flageval/internal/audit"
)

// Event actions. The event type is "<resource>.<action>", e.g.
// "feature.updated".
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Event is the JSON body posted to subscribers.
type Event struct {
	Type        string    `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment"`
	Resource    Resource  `json:"resource"`
	Version     int64     `json:"version,omitempty"`
	Data        EventData `json:"data"`
	Metadata    Metadata  `json:"metadata"`
}

// Resource identifies the changed entity.
type Resource struct {
	Type string `json:"type"` // feature, segment or trigger
	ID   string `json:"id"`
}

// EventData contains the before/after state and changes
type EventData struct {
	Before  map[string]any `json:"before,omitempty"`
	After   map[string]any `json:"after,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

// Metadata describes who issued the change.
type Metadata struct {
	Command   string `json:"command"`
	Actor     string `json:"actor"`
	RequestID string `json:"requestId,omitempty"`
}

// FromAudit converts a recorded command into a notification. Failed
// commands and events without state produce no notification.
func FromAudit(e audit.AuditEvent) (Event, bool) {
	if e.Status != audit.StatusSuccess {
		return Event{}, false
	}
	var action string
	switch {
	case e.BeforeState == nil && e.AfterState != nil:
		action = ActionCreated
	case e.BeforeState != nil && e.AfterState == nil:
		action = ActionDeleted
	case e.BeforeState != nil && e.AfterState != nil:
		action = ActionUpdated
	default:
		return Event{}, false
	}
	return Event{
		Type:        e.ResourceType + "." + action,
		Timestamp:   e.OccurredAt,
		Environment: e.Environment,
		Resource:    Resource{Type: e.ResourceType, ID: e.ResourceID},
		Version:     e.Version,
		Data: EventData{
			Before:  e.BeforeState,
			After:   e.AfterState,
			Changes: e.Changes,
		},
		Metadata: Metadata{
			Command:   e.Command,
			Actor:     e.Actor.Display,
			RequestID: e.RequestID,
		},
	}, true
}
