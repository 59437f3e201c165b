package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResourceType constants for audit logging
const (
	ResourceTypeFeature = "feature"
	ResourceTypeSegment = "segment"
	ResourceTypeTrigger = "trigger"
)

// Status constants for audit logging
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ActorKind constants for audit logging
const (
	ActorKindAPIKey  = "api_key"
	ActorKindTrigger = "trigger"
	ActorKindSystem  = "system"
)

// Clock interface for testable time operations
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now()
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// IDGenerator interface for testable ID generation
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator implements IDGenerator using UUID v4
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string { return uuid.NewString() }

// Redactor interface for removing sensitive data
type Redactor interface {
	Redact(data map[string]any) map[string]any
}

// DefaultRedactor implements basic redaction
type DefaultRedactor struct {
	sensitiveKeys map[string]struct{}
}

func NewDefaultRedactor() *DefaultRedactor {
	keys := []string{
		"password", "secret", "token", "api_key", "tokenHash", "token_hash",
		"authorization", "cookie", "session",
	}
	r := &DefaultRedactor{sensitiveKeys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		r.sensitiveKeys[k] = struct{}{}
	}
	return r
}

func (r *DefaultRedactor) Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	redacted := make(map[string]any, len(data))
	for k, v := range data {
		if _, sensitive := r.sensitiveKeys[k]; sensitive {
			redacted[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			redacted[k] = r.Redact(nested)
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// Actor represents who issued the command
type Actor struct {
	Kind    string `json:"kind"` // api_key, trigger, system
	ID      string `json:"id,omitempty"`
	Display string `json:"display"`
}

// SystemActor is used when no caller is attached to the context.
var SystemActor = Actor{Kind: ActorKindSystem, Display: "system"}

// Source represents request metadata
type Source struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuditEvent is one entry of the command log.
type AuditEvent struct {
	ID           string         `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	RequestID    string         `json:"request_id,omitempty"`
	Actor        Actor          `json:"actor"`
	Source       Source         `json:"source"`
	Command      string         `json:"command"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Environment  string         `json:"environment,omitempty"`
	Version      int64          `json:"version,omitempty"`
	BeforeState  map[string]any `json:"before_state,omitempty"`
	AfterState   map[string]any `json:"after_state,omitempty"`
	Changes      map[string]any `json:"changes,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// AuditSink defines the interface for persisting audit events
type AuditSink interface {
	Write(ctx context.Context, event AuditEvent) error
}

// Logger is implemented by Service. Command handlers depend on it so tests
// can record events synchronously.
type Logger interface {
	Log(event AuditEvent)
}

// Service provides audit logging functionality. Events are written by a
// single background worker so Log never blocks a command.
type Service struct {
	sink     AuditSink
	clock    Clock
	idgen    IDGenerator
	redactor Redactor
	logger   zerolog.Logger
	queue    chan AuditEvent
	stopCh   chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	mu       sync.RWMutex // guards queue sends against Close
}

// Options configures a Service. Nil fields select the defaults.
type Options struct {
	Clock     Clock
	IDGen     IDGenerator
	Redactor  Redactor
	Logger    zerolog.Logger
	QueueSize int
}

// NewService creates a new audit service
func NewService(sink AuditSink, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.IDGen == nil {
		opts.IDGen = UUIDGenerator{}
	}
	if opts.Redactor == nil {
		opts.Redactor = NewDefaultRedactor()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	s := &Service{
		sink:     sink,
		clock:    opts.Clock,
		idgen:    opts.IDGen,
		redactor: opts.Redactor,
		logger:   opts.Logger.With().Str("component", "audit").Logger(),
		queue:    make(chan AuditEvent, opts.QueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go s.worker()

	return s
}

// worker processes audit events in the background
func (s *Service) worker() {
	defer close(s.done)
	for {
		select {
		case event := <-s.queue:
			s.write(event)
		case <-s.stopCh:
			// Drain remaining events before stopping
			for {
				select {
				case event := <-s.queue:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(event AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Write(ctx, event); err != nil {
		s.logger.Error().Err(err).
			Str("command", event.Command).
			Str("resource", event.ResourceType+"/"+event.ResourceID).
			Msg("failed to write audit event")
	}
}

// Close stops the worker after the queued events are written.
//
// Close is safe to call multiple times - subsequent calls are no-ops.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	close(s.stopCh)
	s.mu.Unlock()
	<-s.done
	return nil
}

// Log queues an audit event for asynchronous processing. Events logged
// after Close are dropped.
func (s *Service) Log(event AuditEvent) {
	if event.ID == "" {
		event.ID = s.idgen.Generate()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}
	if event.Actor.Kind == "" {
		event.Actor = SystemActor
	}
	if event.BeforeState != nil || event.AfterState != nil {
		event.BeforeState = s.redactor.Redact(event.BeforeState)
		event.AfterState = s.redactor.Redact(event.AfterState)
		// recomputed so redacted values never show up as changes
		event.Changes = nil
		if event.Status != StatusFailure {
			event.Changes = ComputeChanges(event.BeforeState, event.AfterState)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		s.logger.Warn().Str("command", event.Command).Msg("audit service closed, dropping event")
		return
	}
	select {
	case s.queue <- event:
	default:
		s.logger.Warn().
			Str("resource", event.ResourceType+"/"+event.ResourceID).
			Msg("audit queue full, dropping event")
	}
}

// ToMap converts a value into its JSON object form for Before/AfterState.
func ToMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// ComputeChanges computes the difference between before and after states
func ComputeChanges(before, after map[string]any) map[string]any {
	if before == nil && after == nil {
		return nil
	}
	if before == nil {
		before = make(map[string]any)
	}
	if after == nil {
		after = make(map[string]any)
	}

	changes := make(map[string]any)

	// Check for changes in after (new or modified values)
	for key, afterVal := range after {
		beforeVal, existedBefore := before[key]

		beforeJSON, _ := json.Marshal(beforeVal)
		afterJSON, _ := json.Marshal(afterVal)

		if !existedBefore || string(beforeJSON) != string(afterJSON) {
			changes[key] = map[string]any{
				"before": beforeVal,
				"after":  afterVal,
			}
		}
	}

	// Check for removed keys
	for key, beforeVal := range before {
		if _, existsAfter := after[key]; !existsAfter {
			changes[key] = map[string]any{
				"before": beforeVal,
				"after":  nil,
			}
		}
	}

	if len(changes) == 0 {
		return nil
	}

	return changes
}
