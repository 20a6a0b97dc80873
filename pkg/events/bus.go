// Package events is the outbound feed for ops dashboards and notification
// collaborators. Events fan out to in-process subscribers and, when
// configured, to a Redis pub/sub channel. Delivery is best effort: the hub
// never blocks a state transition on a slow consumer.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Event types emitted by the hub.
const (
	TypeAlertCreated         = "alert_created"
	TypeProposalStateChanged = "proposal_state_changed"
	TypeJobStateChanged      = "job_state_changed"
	TypeAssignment           = "assignment"
)

// Event is one outbound notification.
type Event struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher delivers events to an external transport.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus owns the subscriber list and the publish rate limiter. The limiter is
// explicit per-instance state rather than package-level, so two engines in
// one process throttle independently.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	publisher   Publisher
	limiter     *rate.Limiter
	logger      *slog.Logger
	clock       func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithPublisher attaches an external publisher (e.g. Redis).
func WithPublisher(p Publisher) Option {
	return func(b *Bus) { b.publisher = p }
}

// WithRateLimit caps external publishes per second with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Bus) { b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) { b.clock = clock }
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:  logger.With("component", "events"),
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving all subsequent events. Slow
// subscribers drop events rather than blocking the hub.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Emit builds and dispatches one event. Marshal failures are logged and
// dropped; outbound delivery never fails a caller.
func (b *Bus) Emit(ctx context.Context, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("drop unmarshalable event", "type", eventType, "error", err)
		return
	}
	e := Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		CreatedAt: b.clock().UTC(),
		Payload:   body,
	}

	b.mu.RLock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Warn("drop event for slow subscriber", "type", eventType)
		}
	}
	b.mu.RUnlock()

	if b.publisher == nil {
		return
	}
	if b.limiter != nil && !b.limiter.Allow() {
		b.logger.Warn("drop event over publish rate limit", "type", eventType)
		return
	}
	if err := b.publisher.Publish(ctx, e); err != nil {
		b.logger.Error("external publish failed", "type", eventType, "error", err)
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
