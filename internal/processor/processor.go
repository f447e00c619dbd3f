// Package processor implements the pipeline orchestrator: it wires
// the event consumer, aggregator, storage manager, and alert manager
// together and runs their periodic work on independent schedules so that
// one failing tick never stalls the others.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infermon/pipeline/internal/aggregator"
	"github.com/infermon/pipeline/internal/alerting"
	"github.com/infermon/pipeline/internal/broker"
	"github.com/infermon/pipeline/internal/events"
	"github.com/infermon/pipeline/internal/logging"
	"github.com/infermon/pipeline/internal/storage"
)

// Config controls the independent tick intervals.
type Config struct {
	StorageInterval       time.Duration
	AlertCheckInterval    time.Duration
	HealthCheckInterval   time.Duration
	ShutdownTimeout       time.Duration
	WindowSizeSeconds     int
}

// Processor wires the consumer, aggregator, storage, and alerting
// components together.
type Processor struct {
	cfg Config
	log zerolog.Logger

	source     broker.EventSource
	aggregator *aggregator.Aggregator
	storage    *storage.Manager
	alerts     *alerting.Manager

	startedAt time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc

	eventsProcessed uint64
	statsMu         sync.Mutex
}

func New(cfg Config, source broker.EventSource, agg *aggregator.Aggregator, store *storage.Manager, alerts *alerting.Manager, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		log:        logger.With().Str("component", "processor").Logger(),
		source:     source,
		aggregator: agg,
		storage:    store,
		alerts:     alerts,
	}
}

// handleEvent is the EventHandler wired into the broker: it folds
// decoded response events into the aggregator and never returns an error
// itself: the broker counts a handler error as a failed message, and a
// skipped non-response event is not a failure.
func (p *Processor) handleEvent(ctx context.Context, e events.MetricsEvent) error {
	if e.EventType != events.EventTypeResponse {
		return nil
	}
	p.aggregator.Ingest(e)

	p.statsMu.Lock()
	p.eventsProcessed++
	p.statsMu.Unlock()
	return nil
}

// Start connects the event source and launches the storage, alert, and
// health tick loops, each independently recovering from panics so a
// fault in one never takes down the others.
func (p *Processor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.startedAt = time.Now().UTC()

	if err := p.source.Start(runCtx, p.handleEvent); err != nil {
		cancel()
		return fmt.Errorf("start event source: %w", err)
	}

	p.wg.Add(3)
	go p.runLoop(runCtx, "storage_tick", p.cfg.StorageInterval, p.storageTick)
	go p.runLoop(runCtx, "alert_tick", p.cfg.AlertCheckInterval, p.alertTick)
	go p.runLoop(runCtx, "health_tick", p.cfg.HealthCheckInterval, p.healthTick)

	p.log.Info().Msg("processor started")
	return nil
}

// runLoop ticks fn on the given interval until ctx is cancelled. A panic
// inside fn is recovered and logged so this tick's goroutine keeps
// running instead of taking down the others.
func (p *Processor) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx, name, fn)
		}
	}
}

func (p *Processor) runOnce(ctx context.Context, name string, fn func(context.Context)) {
	defer logging.RecoverPanic(p.log, name, nil)
	fn(ctx)
}

// storageTick persists the current snapshot only when it reflects at
// least one request, so a quiescent pipeline doesn't write empty rows on
// every tick. The cache mirror is refreshed either way so readers always
// find a current (possibly zeroed) snapshot.
func (p *Processor) storageTick(ctx context.Context) {
	snap := p.aggregator.Snapshot()
	if snap.Overall.TotalRequests == 0 {
		p.storage.UpdateCache(ctx, snap)
		return
	}
	p.storage.Store(ctx, snap, p.cfg.WindowSizeSeconds, snap.ActiveBuckets)
}

func (p *Processor) alertTick(ctx context.Context) {
	snap := p.aggregator.Snapshot()
	p.alerts.Check(snap, time.Now().UTC())
}

func (p *Processor) healthTick(ctx context.Context) {
	status := p.Health()
	if !status.Healthy {
		p.log.Warn().Interface("health", status).Msg("health check failed")
	} else {
		p.log.Debug().Msg("health check passed")
	}
}

// Health reports the aggregate health view across all components.
func (p *Processor) Health() HealthStatus {
	consumerState := broker.StateDisconnected.String()
	if p.source != nil {
		consumerState = p.source.State().String()
	}

	storageStats := map[string]any{}
	if p.storage != nil {
		s := p.storage.Stats()
		storageStats["total_postgres_writes"] = s.TotalPostgresWrites
		storageStats["total_redis_writes"] = s.TotalRedisWrites
		storageStats["batch_writes"] = s.BatchWrites
		storageStats["failed_writes"] = s.FailedWrites
		storageStats["pending_count"] = s.PendingCount
	}

	alertStats := map[string]any{}
	if p.alerts != nil {
		s := p.alerts.Stats()
		alertStats["checks_performed"] = s.ChecksPerformed
		alertStats["alerts_triggered"] = s.AlertsTriggered
		alertStats["alerts_resolved"] = s.AlertsResolved
		alertStats["active_count"] = s.ActiveCount
	}

	healthy := consumerState == broker.StateConsuming.String() || consumerState == broker.StateConnected.String()

	p.statsMu.Lock()
	processed := p.eventsProcessed
	p.statsMu.Unlock()

	return HealthStatus{
		Healthy:         healthy,
		ConsumerState:   consumerState,
		EventsProcessed: processed,
		StorageStats:    storageStats,
		AlertStats:      alertStats,
		Resources:       sampleResources(),
		Uptime:          time.Since(p.startedAt),
	}
}

// Stop drains the event source, stops every tick loop, and force-flushes
// storage so no batched metrics are lost on shutdown.
func (p *Processor) Stop(ctx context.Context) error {
	p.log.Info().Msg("stopping processor")

	stopCtx, stopCancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer stopCancel()

	if p.source != nil {
		if err := p.source.Stop(stopCtx); err != nil {
			p.log.Warn().Err(err).Msg("event source stop failed")
		}
	}

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		p.log.Warn().Msg("timed out waiting for tick loops to exit")
	}

	if p.storage != nil {
		p.storage.ForceFlush(stopCtx)
		p.storage.Close()
	}

	p.log.Info().Msg("processor stopped")
	return nil
}
