package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/infermon/pipeline/internal/metrics"
)

// NATSConfig configures the JetStream-backed EventSource. JetStream's
// durable pull consumers give per-message Ack()/Term() control, which maps
// directly onto the ack-and-drop requirement here. There is no
// RabbitMQ client anywhere in this stack, and JetStream is the broker the
// rest of this codebase already depends on.
type NATSConfig struct {
	URL           string
	Subject       string
	StreamName    string
	DurableName   string
	PrefetchCount int
	ReconnectWait time.Duration
	MaxReconnects int
	AckWait       time.Duration

	// MessageTTL and MaxQueueLength are declared on the stream: messages
	// older than the TTL or beyond the length cap are dropped by the
	// broker, bounding how far behind a consumer can fall.
	MessageTTL     time.Duration
	MaxQueueLength int64

	// MaxEventsPerSecond caps how fast handleDecoded is invoked, bounding
	// downstream aggregator/storage load independent of how fast NATS can
	// deliver. Zero disables throttling.
	MaxEventsPerSecond float64
}

// NATSConsumer is the production EventSource implementation.
type NATSConsumer struct {
	cfg    NATSConfig
	logger zerolog.Logger

	counters

	state int32 // State, accessed atomically

	conn    *nats.Conn
	sub     *nats.Subscription
	limiter *rate.Limiter

	stopOnce sync.Once
	done     chan struct{}
}

func NewNATSConsumer(cfg NATSConfig, logger zerolog.Logger, registry *metrics.Registry) *NATSConsumer {
	c := &NATSConsumer{
		cfg:     cfg,
		logger:  logger.With().Str("component", "nats_consumer").Logger(),
		limiter: newDispatchLimiter(cfg.MaxEventsPerSecond),
		done:    make(chan struct{}),
	}
	c.counters.metrics = registry
	return c
}

func (c *NATSConsumer) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }
func (c *NATSConsumer) State() State     { return State(atomic.LoadInt32(&c.state)) }

func (c *NATSConsumer) Stats() Stats { return c.counters.snapshot(time.Now().UTC()) }

// Start connects, ensures the stream/durable consumer exist, and begins
// pulling messages in a background goroutine. It returns once the initial
// connection succeeds; ongoing reconnects are handled by nats.go itself
// (MaxReconnects/ReconnectWait) and surfaced via the connection handlers.
func (c *NATSConsumer) Start(ctx context.Context, handler EventHandler) error {
	c.setState(StateConnecting)

	opts := []nats.Option{
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")
			c.setState(StateConnected)
			c.markConnected(time.Now().UTC())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn().Err(err).Msg("disconnected from nats")
			}
			c.setState(StateDisconnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to nats")
			c.setState(StateConnected)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect to nats: %w", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		return fmt.Errorf("open jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     c.cfg.StreamName,
		Subjects: []string{c.cfg.Subject},
		MaxAge:   c.cfg.MessageTTL,
		MaxMsgs:  c.cfg.MaxQueueLength,
		Storage:  nats.FileStorage,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("ensure stream %s: %w", c.cfg.StreamName, err)
	}

	ackWait := c.cfg.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}

	sub, err := js.PullSubscribe(c.cfg.Subject, c.cfg.DurableName,
		nats.AckWait(ackWait),
		nats.MaxAckPending(c.cfg.PrefetchCount),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe to %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub

	c.setState(StateConsuming)
	go c.consumeLoop(ctx, handler)

	return nil
}

// consumeLoop repeatedly fetches a small batch of pending messages and
// acks-and-drops each one according to the decode/handler outcome: a
// message is never redelivered, whether it failed to decode or the
// handler returned an error, to avoid a poison message looping forever.
func (c *NATSConsumer) consumeLoop(ctx context.Context, handler EventHandler) {
	batchSize := c.cfg.PrefetchCount
	if batchSize <= 0 || batchSize > 256 {
		batchSize = 256
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		msgs, err := c.sub.Fetch(batchSize, nats.MaxWait(1*time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			if c.State() == StateClosed {
				return
			}
			c.logger.Warn().Err(err).Msg("nats fetch failed")
			continue
		}

		for _, m := range msgs {
			if err := waitDispatch(ctx, c.limiter); err != nil {
				return
			}
			decodeErr, handlerErr := handleDecoded(ctx, m.Data, handler, &c.counters)
			if decodeErr != nil {
				c.logger.Warn().Err(decodeErr).Msg("dropping invalid metrics event")
			}
			if handlerErr != nil {
				c.logger.Warn().Err(handlerErr).Msg("handler failed, dropping message")
			}
			if err := m.Ack(); err != nil {
				c.logger.Warn().Err(err).Msg("ack failed")
			}
		}
	}
}

// Stop signals the consume loop to exit, unsubscribes, and closes the
// connection. It does not wait for a batch the loop is already handling;
// acks for such messages fail once the connection is closed.
func (c *NATSConsumer) Stop(ctx context.Context) error {
	c.setState(StateDraining)
	c.stopOnce.Do(func() { close(c.done) })

	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.setState(StateClosed)
	return nil
}
