package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermon/pipeline/internal/aggregator"
	"github.com/infermon/pipeline/internal/alerting"
	"github.com/infermon/pipeline/internal/broker"
	"github.com/infermon/pipeline/internal/events"
	"github.com/infermon/pipeline/internal/storage"
)

// fakeSource is a broker.EventSource double: Start immediately hands every
// queued event to the handler on a goroutine, so processor tests don't need
// a live NATS/Kafka broker.
type fakeSource struct {
	mu      sync.Mutex
	state   broker.State
	events  []events.MetricsEvent
	stopped int32
}

func (f *fakeSource) Start(ctx context.Context, handler broker.EventHandler) error {
	f.mu.Lock()
	f.state = broker.StateConsuming
	evs := f.events
	f.mu.Unlock()

	go func() {
		for _, e := range evs {
			_ = handler(ctx, e)
		}
	}()
	return nil
}

func (f *fakeSource) Stop(ctx context.Context) error {
	atomic.StoreInt32(&f.stopped, 1)
	f.mu.Lock()
	f.state = broker.StateClosed
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) State() broker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Stats() broker.Stats { return broker.Stats{} }

type fakeRecordStore struct {
	mu      sync.Mutex
	batches int
}

func (f *fakeRecordStore) InsertBatch(ctx context.Context, records []storage.Record) error {
	f.mu.Lock()
	f.batches++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecordStore) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	return 0, nil
}

func newTestProcessor(source broker.EventSource) (*Processor, *fakeRecordStore) {
	store := &fakeRecordStore{}
	agg := aggregator.New(aggregator.Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, nil)
	storeMgr := storage.NewManager(store, nil, storage.Config{BatchSize: 1, BatchTimeout: time.Hour}, zerolog.Nop(), nil)
	alertMgr := alerting.NewManager(alerting.Config{HistoryCap: 100}, zerolog.Nop(), time.Now().UTC(), nil)

	cfg := Config{
		StorageInterval:     15 * time.Millisecond,
		AlertCheckInterval:  15 * time.Millisecond,
		HealthCheckInterval: 15 * time.Millisecond,
		ShutdownTimeout:     time.Second,
		WindowSizeSeconds:   60,
	}
	return New(cfg, source, agg, storeMgr, alertMgr, zerolog.Nop()), store
}

func TestProcessorIngestsResponseEventsOnly(t *testing.T) {
	source := &fakeSource{events: []events.MetricsEvent{
		{EventType: events.EventTypeResponse, Timestamp: time.Now().UTC(), ServiceName: "svc", Endpoint: "/a", StatusCode: 200, HasResponseTime: true, ResponseTimeMs: 10},
		{EventType: events.EventTypeError, Timestamp: time.Now().UTC(), ServiceName: "svc", Endpoint: "/a", StatusCode: 500},
	}}
	proc, _ := newTestProcessor(source)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	time.Sleep(30 * time.Millisecond)

	snap := proc.aggregator.Snapshot()
	assert.Equal(t, int64(1), snap.Overall.TotalRequests, "only response events should be ingested")

	require.NoError(t, proc.Stop(ctx))
}

func TestProcessorStorageTickFlushesPeriodically(t *testing.T) {
	source := &fakeSource{events: []events.MetricsEvent{
		{EventType: events.EventTypeResponse, Timestamp: time.Now().UTC(), ServiceName: "svc", Endpoint: "/a", StatusCode: 200, HasResponseTime: true, ResponseTimeMs: 10},
	}}
	proc, store := newTestProcessor(source)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	// Read the count before Stop so the shutdown ForceFlush cannot account
	// for it.
	store.mu.Lock()
	batches := store.batches
	store.mu.Unlock()
	require.NoError(t, proc.Stop(ctx))

	assert.Greater(t, batches, 0, "storage tick should have flushed at least once")
}

func TestProcessorHealthReflectsConsumerState(t *testing.T) {
	source := &fakeSource{}
	proc, _ := newTestProcessor(source)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	time.Sleep(10 * time.Millisecond)

	status := proc.Health()
	assert.True(t, status.Healthy)
	assert.Equal(t, "consuming", status.ConsumerState)

	require.NoError(t, proc.Stop(ctx))
}

func TestProcessorStopIsIdempotentWithRespectToTickLoops(t *testing.T) {
	source := &fakeSource{}
	proc, _ := newTestProcessor(source)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	require.NoError(t, proc.Stop(ctx))
	require.NoError(t, proc.Stop(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&source.stopped))
}
