package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxResponseBodySize limits how much of a failed response is logged
	maxResponseBodySize = 1024

	defaultQueueSize = 1000
)

// Subscriber receives the events it subscribed to. Empty Events or
// Environments match everything.
type Subscriber struct {
	URL          string
	Secret       string
	Events       []string
	Environments []string
	MaxRetries   int
	Timeout      time.Duration
}

func (s Subscriber) matches(event Event) bool {
	if len(s.Events) > 0 && !slices.Contains(s.Events, event.Type) &&
		!slices.Contains(s.Events, event.Resource.Type+".*") {
		return false
	}
	if len(s.Environments) > 0 && !slices.Contains(s.Environments, event.Environment) {
		return false
	}
	return true
}

// Options configures a Dispatcher.
type Options struct {
	Logger    zerolog.Logger
	Client    *http.Client
	QueueSize int
	// InitialInterval is the first retry delay; later ones grow exponentially.
	InitialInterval time.Duration
}

// Dispatcher queues events and delivers them to matching subscribers from a
// single background worker. It implements audit.AuditSink so it can be
// attached to the audit service.
type Dispatcher struct {
	subs            []Subscriber
	client          *http.Client
	logger          zerolog.Logger
	initialInterval time.Duration

	queue  chan Event
	done   chan struct{}
	closed atomic.Bool
	mu     sync.RWMutex // guards queue sends against Close
	now    func() time.Time
}

// NewDispatcher starts a dispatcher for subs.
func NewDispatcher(subs []Subscriber, opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = time.Second
	}
	d := &Dispatcher{
		subs:            subs,
		client:          opts.Client,
		logger:          opts.Logger.With().Str("component", "webhook").Logger(),
		initialInterval: opts.InitialInterval,
		queue:           make(chan Event, opts.QueueSize),
		done:            make(chan struct{}),
		now:             time.Now,
	}
	go d.worker()
	return d
}

// Write converts a recorded command into an event and queues it.
func (d *Dispatcher) Write(_ context.Context, e audit.AuditEvent) error {
	if event, ok := FromAudit(e); ok {
		d.Dispatch(event)
	}
	return nil
}

// Dispatch queues an event for delivery without blocking. Events are dropped
// when the queue is full or the dispatcher is closed.
func (d *Dispatcher) Dispatch(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return
	}
	select {
	case d.queue <- event:
	default:
		telemetry.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Error().
			Str("event", event.Type).
			Str("resource", event.Resource.ID).
			Str("environment", event.Environment).
			Msg("webhook queue full, dropping event")
	}
}

// Close stops accepting events and waits for queued deliveries to finish.
//
// Close is safe to call multiple times - subsequent calls are no-ops.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	close(d.queue)
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for event := range d.queue {
		for _, sub := range d.subs {
			if sub.matches(event) {
				d.deliver(context.Background(), sub, event)
			}
		}
	}
}

// deliver posts event to sub, retrying transport errors, 5xx and 429
// responses with exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event.Type).Msg("failed to encode webhook event")
		return
	}

	deliveryID := uuid.NewString()
	log := d.logger.With().
		Str("delivery_id", deliveryID).
		Str("url", sub.URL).
		Str("event", event.Type).
		Logger()

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, d.post(ctx, sub, payload, event.Type, deliveryID, timeout)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(sub.MaxRetries, 0)+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("webhook delivery failed, retrying")
		}),
	)
	if err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Error().Err(err).Int("attempts", attempt).Msg("webhook delivery failed permanently")
		return
	}
	telemetry.WebhookDeliveries.WithLabelValues("delivered").Inc()
	log.Debug().Int("attempts", attempt).Msg("webhook delivered")
}

func (d *Dispatcher) post(ctx context.Context, sub Subscriber, payload []byte, eventType, deliveryID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(payload, sub.Secret, d.now()))
	req.Header.Set("X-Flageval-Event", eventType)
	req.Header.Set("X-Flageval-Delivery", deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("subscriber returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return backoff.Permanent(err)
}
