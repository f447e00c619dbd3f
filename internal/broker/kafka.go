package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/infermon/pipeline/internal/metrics"
)

// KafkaConfig configures the franz-go secondary adapter, offered behind
// the same EventSource interface as NATSConsumer so deployments that
// already run Kafka/Redpanda for other services can point this pipeline
// at it without touching the processor.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// MaxEventsPerSecond caps how fast handleDecoded is invoked. Zero
	// disables throttling.
	MaxEventsPerSecond float64
}

// KafkaConsumer is the franz-go-backed EventSource implementation.
type KafkaConsumer struct {
	cfg    KafkaConfig
	logger zerolog.Logger

	counters

	state   int32
	client  *kgo.Client
	limiter *rate.Limiter

	stopOnce sync.Once
	done     chan struct{}
}

func NewKafkaConsumer(cfg KafkaConfig, logger zerolog.Logger, registry *metrics.Registry) *KafkaConsumer {
	c := &KafkaConsumer{
		cfg:     cfg,
		logger:  logger.With().Str("component", "kafka_consumer").Logger(),
		limiter: newDispatchLimiter(cfg.MaxEventsPerSecond),
		done:    make(chan struct{}),
	}
	c.counters.metrics = registry
	return c
}

func (c *KafkaConsumer) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }
func (c *KafkaConsumer) State() State     { return State(atomic.LoadInt32(&c.state)) }
func (c *KafkaConsumer) Stats() Stats     { return c.counters.snapshot(time.Now().UTC()) }

func (c *KafkaConsumer) Start(ctx context.Context, handler EventHandler) error {
	c.setState(StateConnecting)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ConsumerGroup(c.cfg.ConsumerGroup),
		kgo.ConsumeTopics(c.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			c.logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("create kafka client: %w", err)
	}
	c.client = client
	c.setState(StateConnected)
	c.markConnected(time.Now().UTC())

	c.setState(StateConsuming)
	go c.consumeLoop(ctx, handler)
	return nil
}

// consumeLoop polls for fetches and commits offsets after every record is
// acked-and-dropped: there is no
// retry path, so the consumer group offset always advances past a bad
// message instead of stalling on it.
func (c *KafkaConsumer) consumeLoop(ctx context.Context, handler EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				c.logger.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("kafka fetch error")
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			_ = waitDispatch(ctx, c.limiter)
			decodeErr, handlerErr := handleDecoded(ctx, record.Value, handler, &c.counters)
			if decodeErr != nil {
				c.logger.Warn().Err(decodeErr).Msg("dropping invalid metrics event")
			}
			if handlerErr != nil {
				c.logger.Warn().Err(handlerErr).Msg("handler failed, dropping message")
			}
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("commit offsets failed")
		}
	}
}

func (c *KafkaConsumer) Stop(ctx context.Context) error {
	c.setState(StateDraining)
	c.stopOnce.Do(func() { close(c.done) })
	if c.client != nil {
		c.client.Close()
	}
	c.setState(StateClosed)
	return nil
}
