// Package broker implements event consumption: pulling
// encoded MetricsEvents off a message broker, decoding them, and handing
// them to an EventHandler with ack-and-drop failure semantics.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/infermon/pipeline/internal/events"
	"github.com/infermon/pipeline/internal/metrics"
)

// State is the consumer's connection lifecycle:
// Disconnected -> Connecting -> Connected -> Consuming -> (Draining ->) Closed.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConsuming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventHandler processes one decoded event. A non-nil error means the
// event should still be acked-and-dropped (handler failures never cause
// a requeue, to avoid poison-message loops), but is counted
// separately from decode failures for observability.
type EventHandler func(ctx context.Context, e events.MetricsEvent) error

// EventSource is the broker-agnostic contract consumed by the processor.
// NATS JetStream and Kafka (via franz-go) both implement it, keeping the
// broker swappable behind one interface.
type EventSource interface {
	Start(ctx context.Context, handler EventHandler) error
	Stop(ctx context.Context) error
	State() State
	Stats() Stats
}

// Stats is the runtime counter set exposed for health reporting and
// metrics scraping.
type Stats struct {
	TotalConsumed      uint64
	SuccessfulHandled  uint64
	FailedHandled      uint64
	InvalidMessages    uint64
	MessagesPerSecond  float64
	ConnectedAt        time.Time
	Uptime             time.Duration
}

// counters is the shared atomic counter block embedded by each adapter.
type counters struct {
	totalConsumed     uint64
	successfulHandled uint64
	failedHandled     uint64
	invalidMessages   uint64

	mu          sync.RWMutex
	connectedAt time.Time

	// metrics mirrors the same totals onto the pipeline's own Prometheus
	// registry (nil in tests that don't care about it).
	metrics *metrics.Registry
}

func (c *counters) markConnected(now time.Time) {
	c.mu.Lock()
	c.connectedAt = now
	c.mu.Unlock()
}

func (c *counters) snapshot(now time.Time) Stats {
	c.mu.RLock()
	connectedAt := c.connectedAt
	c.mu.RUnlock()

	total := atomic.LoadUint64(&c.totalConsumed)
	var uptime time.Duration
	var rate float64
	if !connectedAt.IsZero() {
		uptime = now.Sub(connectedAt)
		if uptime > 0 {
			rate = float64(total) / uptime.Seconds()
		}
	}

	return Stats{
		TotalConsumed:     total,
		SuccessfulHandled: atomic.LoadUint64(&c.successfulHandled),
		FailedHandled:     atomic.LoadUint64(&c.failedHandled),
		InvalidMessages:   atomic.LoadUint64(&c.invalidMessages),
		MessagesPerSecond: rate,
		ConnectedAt:       connectedAt,
		Uptime:            uptime,
	}
}

// newDispatchLimiter builds an optional token-bucket gate that caps
// downstream work under load. A non-positive rate disables throttling
// (the default).
func newDispatchLimiter(eventsPerSecond float64) *rate.Limiter {
	if eventsPerSecond <= 0 {
		return nil
	}
	burst := int(eventsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
}

// waitDispatch blocks until the limiter admits one more event, or ctx is
// cancelled. A nil limiter (throttling disabled) never blocks.
func waitDispatch(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// handleDecoded decodes and dispatches one message payload, applying the
// ack-and-drop policy: decode failures and handler failures are
// both counted, logged, and never cause a requeue. The two return values
// let callers distinguish "invalid message" logging from "handler error"
// logging.
func handleDecoded(ctx context.Context, payload []byte, handler EventHandler, c *counters) (decodeErr error, handlerErr error) {
	atomic.AddUint64(&c.totalConsumed, 1)
	if c.metrics != nil {
		c.metrics.EventsConsumed.Inc()
	}

	e, err := events.Decode(payload)
	if err != nil {
		atomic.AddUint64(&c.invalidMessages, 1)
		if c.metrics != nil {
			c.metrics.EventsInvalid.Inc()
		}
		return err, nil
	}

	if err := handler(ctx, e); err != nil {
		atomic.AddUint64(&c.failedHandled, 1)
		if c.metrics != nil {
			c.metrics.EventsFailed.Inc()
		}
		return nil, err
	}

	atomic.AddUint64(&c.successfulHandled, 1)
	return nil, nil
}
