package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermon/pipeline/internal/events"
)

// fakeClock lets tests drive Ingest/Snapshot against an arbitrary instant
// instead of real time.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newEvent(ts time.Time, statusCode int, latencyMs float64) events.MetricsEvent {
	return events.MetricsEvent{
		EventID:         "evt-" + ts.String(),
		EventType:       events.EventTypeResponse,
		Timestamp:       ts,
		ServiceName:     "svc-a",
		Endpoint:        "/predict",
		StatusCode:      statusCode,
		ResponseTimeMs:  latencyMs,
		HasResponseTime: true,
	}
}

func TestSingleBucketQPS(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	for i := 0; i < 10; i++ {
		agg.Ingest(newEvent(base, 200, 100))
	}

	snap := agg.Snapshot()
	// 10 requests over the full 60s window = 0.1667, rounded to two decimals.
	assert.InDelta(t, 0.17, snap.Overall.QPS, 0.001)
	assert.Equal(t, 0.0, snap.Overall.ErrorRate)
	assert.Equal(t, 100.0, snap.Overall.AvgResponseTime)
	assert.Equal(t, 100.0, snap.Overall.P95ResponseTime)
	assert.Equal(t, 100.0, snap.Overall.P99ResponseTime)
	assert.EqualValues(t, 10, snap.Overall.TotalRequests)
}

func TestPercentileInterpolation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	latencies := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	for _, l := range latencies {
		agg.Ingest(newEvent(base, 200, l))
	}

	snap := agg.Snapshot()
	assert.InDelta(t, 95.5, snap.Overall.P95ResponseTime, 0.01)
	assert.InDelta(t, 99.1, snap.Overall.P99ResponseTime, 0.01)
}

func TestWindowEviction(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	for i := 0; i < 50; i++ {
		agg.Ingest(newEvent(base, 200, 50))
	}

	clock.now = base.Add(65 * time.Second)
	agg.Ingest(newEvent(clock.now, 200, 200))

	snap := agg.Snapshot()
	require.EqualValues(t, 1, snap.Overall.TotalRequests)
	assert.Equal(t, 200.0, snap.Overall.AvgResponseTime)
	assert.Equal(t, 200.0, snap.Overall.P95ResponseTime)
	assert.Equal(t, 200.0, snap.Overall.P99ResponseTime)
}

func TestErrorRateAndScopeBreakdown(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	for i := 0; i < 8; i++ {
		agg.Ingest(newEvent(base, 200, 50))
	}
	for i := 0; i < 2; i++ {
		agg.Ingest(newEvent(base, 500, 50))
	}

	snap := agg.Snapshot()
	assert.Equal(t, 20.0, snap.Overall.ErrorRate)

	svc, ok := snap.Services["svc-a"]
	require.True(t, ok)
	assert.EqualValues(t, 10, svc.TotalRequests)

	ep, ok := snap.Endpoints[EndpointScope{Service: "svc-a", Endpoint: "/predict"}]
	require.True(t, ok)
	assert.EqualValues(t, 2, ep.TotalErrors)
}

func TestEmptySnapshot(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	snap := agg.Snapshot()
	assert.Equal(t, 0.0, snap.Overall.QPS)
	assert.Equal(t, 0.0, snap.Overall.ErrorRate)
	assert.Empty(t, snap.Services)
	assert.Empty(t, snap.Endpoints)
}

func TestPercentileMonotonicity(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	latencies := []float64{5, 12, 33, 47, 61, 88, 102, 140, 210, 400}
	for _, l := range latencies {
		agg.Ingest(newEvent(base, 200, l))
	}

	snap := agg.Snapshot()
	assert.LessOrEqual(t, snap.Overall.AvgResponseTime, snap.Overall.P95ResponseTime)
	assert.LessOrEqual(t, snap.Overall.P95ResponseTime, snap.Overall.P99ResponseTime)
}

func TestLateEventsDroppedAndCounted(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	agg.Ingest(newEvent(base, 200, 100))
	agg.Ingest(newEvent(base.Add(-90*time.Second), 200, 100))

	snap := agg.Snapshot()
	assert.EqualValues(t, 1, snap.Overall.TotalRequests)
	assert.EqualValues(t, 1, agg.EventsDropped())
}

func TestSnapshotIdempotentWithoutIngest(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	agg := New(Config{WindowSizeSeconds: 60, SubWindowSeconds: 5}, clock)

	for i := 0; i < 5; i++ {
		agg.Ingest(newEvent(base, 200, float64(10*(i+1))))
	}

	first := agg.Snapshot()
	second := agg.Snapshot()
	assert.Equal(t, first, second)
}

func TestBucketStartAlignsToUnixEpoch(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 7, 0, time.UTC)
	got := bucketStart(t1, 5)
	want := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	assert.Equal(t, want, got)
}
