// Package aggregator implements sliding-window metrics aggregation: a
// 60-second window built from twelve 5-second sub-window buckets,
// maintained incrementally as events arrive and queried via
// point-in-time snapshots.
package aggregator

import (
	"sync"
	"time"

	"github.com/infermon/pipeline/internal/events"
)

// Config controls window sizing and sample retention.
type Config struct {
	WindowSizeSeconds    int
	SubWindowSeconds     int
	MaxLatencySamplesPer int // 0 = unbounded
}

// Aggregator owns the live sliding window and is safe for concurrent
// use: one writer goroutine calls Ingest, any number of readers call
// Snapshot, which holds the lock while merging the live buckets into
// fresh accumulators so callers never share state with the window.
type Aggregator struct {
	mu sync.RWMutex

	windowSize int // seconds
	subSize    int // seconds
	maxSamples int

	clock Clock

	// buckets holds every live sub-window, oldest first, keyed implicitly
	// by its start time. Sealed and open buckets are not distinguished;
	// a bucket is simply evicted once its end falls at or before the
	// window's trailing edge.
	buckets []*subWindow

	eventsDropped uint64
}

// New constructs an Aggregator. clock defaults to SystemClock when nil.
func New(cfg Config, clock Clock) *Aggregator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Aggregator{
		windowSize: cfg.WindowSizeSeconds,
		subSize:    cfg.SubWindowSeconds,
		maxSamples: cfg.MaxLatencySamplesPer,
		clock:      clock,
		buckets:    make([]*subWindow, 0, cfg.WindowSizeSeconds/cfg.SubWindowSeconds+1),
	}
}

// Ingest folds one event into the sliding window:
//
//  1. compute the event's bucket start via floor(t/sub)*sub
//  2. if the bucket falls entirely behind the window, drop and count it
//  3. if a bucket with that start already exists, append to it
//  4. otherwise create it, inserted in time order
//  5. evict every bucket whose end is at or before (now - windowSize)
//
// Only response events with a valid timestamp contribute; the caller is
// expected to have already classified/decoded the event.
func (a *Aggregator) Ingest(e events.MetricsEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := bucketStart(e.Timestamp, a.subSize)

	now := a.clock.Now()
	cutoff := now.Add(-time.Duration(a.windowSize) * time.Second)
	if !start.Add(time.Duration(a.subSize) * time.Second).After(cutoff) {
		a.eventsDropped++
		return
	}

	bucket := a.findOrInsertBucket(start)
	bucket.record(e, a.maxSamples)

	a.evictOlderThan(now)
}

// EventsDropped reports how many events arrived too late to fit the
// window and were silently discarded.
func (a *Aggregator) EventsDropped() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eventsDropped
}

// findOrInsertBucket returns the bucket starting at `start`, creating and
// inserting it in time order if it doesn't yet exist. A bucket far in the
// future (a mis-clocked producer) simply opens a new bucket immediately,
// per the Open Question #2 decision recorded in the design notes.
func (a *Aggregator) findOrInsertBucket(start time.Time) *subWindow {
	for i, b := range a.buckets {
		if b.start.Equal(start) {
			return a.buckets[i]
		}
		if start.Before(b.start) {
			nb := newSubWindow(start, a.subSize)
			a.buckets = append(a.buckets, nil)
			copy(a.buckets[i+1:], a.buckets[i:])
			a.buckets[i] = nb
			return nb
		}
	}
	nb := newSubWindow(start, a.subSize)
	a.buckets = append(a.buckets, nb)
	return nb
}

// evictOlderThan drops every bucket whose end is at or before the trailing
// edge of the window (now - windowSize).
func (a *Aggregator) evictOlderThan(now time.Time) {
	cutoff := now.Add(-time.Duration(a.windowSize) * time.Second)

	i := 0
	for i < len(a.buckets) && !a.buckets[i].end().After(cutoff) {
		i++
	}
	if i > 0 {
		a.buckets = a.buckets[i:]
	}
}

// Snapshot produces an immutable, point-in-time view of the current
// window by merging every live bucket's accumulators. Buckets
// older than the window are evicted first so a caller that never calls
// Ingest again (e.g. in tests) still sees a window consistent with `now`.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictOlderThan(a.clock.Now())
	bucketsCopy := make([]*subWindow, len(a.buckets))
	copy(bucketsCopy, a.buckets)

	now := a.clock.Now()
	windowStart := now.Add(-time.Duration(a.windowSize) * time.Second)

	if len(bucketsCopy) == 0 {
		return emptySnapshot(windowStart, now)
	}

	overall := newScopeAccumulator()
	services := make(map[string]*scopeAccumulator)
	endpoints := make(map[endpointKey]*scopeAccumulator)

	for _, b := range bucketsCopy {
		overall.merge(b.overall)

		for name, acc := range b.services {
			dst, ok := services[name]
			if !ok {
				dst = newScopeAccumulator()
				services[name] = dst
			}
			dst.merge(acc)
		}

		for key, acc := range b.endpoints {
			dst, ok := endpoints[key]
			if !ok {
				dst = newScopeAccumulator()
				endpoints[key] = dst
			}
			dst.merge(acc)
		}
	}

	windowSeconds := float64(a.windowSize)

	snap := Snapshot{
		WindowStart:   windowStart,
		WindowEnd:     now,
		ActiveBuckets: len(bucketsCopy),
		Overall:       computeScopeMetrics(overall, windowSeconds),
		Services:      make(map[string]ScopeMetrics, len(services)),
		Endpoints:     make(map[EndpointScope]ScopeMetrics, len(endpoints)),
	}
	for name, acc := range services {
		snap.Services[name] = computeScopeMetrics(acc, windowSeconds)
	}
	for key, acc := range endpoints {
		snap.Endpoints[EndpointScope{Service: key.service, Endpoint: key.endpoint}] = computeScopeMetrics(acc, windowSeconds)
	}
	return snap
}
