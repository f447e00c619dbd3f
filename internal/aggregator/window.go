package aggregator

import (
	"time"

	"github.com/infermon/pipeline/internal/events"
)

// scopeAccumulator holds the request count, error count, latency sum, and
// the concrete latency samples needed for percentiles. The same triple is
// kept at overall, per-service, and per-endpoint scope.
type scopeAccumulator struct {
	requestCount int64
	errorCount   int64
	latencySum   float64
	latencies    []float64
}

func newScopeAccumulator() *scopeAccumulator {
	return &scopeAccumulator{}
}

// record folds one event's contribution into the accumulator. maxSamples
// caps the retained latency slice when non-zero; the latency sum covers
// the same retained samples, so average and percentiles trade precision
// for bounded memory together.
func (a *scopeAccumulator) record(e events.MetricsEvent, maxSamples int) {
	a.requestCount++
	if e.IsError() {
		a.errorCount++
	}
	if e.HasValidLatency() {
		if maxSamples <= 0 || len(a.latencies) < maxSamples {
			a.latencySum += e.ResponseTimeMs
			a.latencies = append(a.latencies, e.ResponseTimeMs)
		}
	}
}

func (a *scopeAccumulator) merge(other *scopeAccumulator) {
	a.requestCount += other.requestCount
	a.errorCount += other.errorCount
	a.latencySum += other.latencySum
	a.latencies = append(a.latencies, other.latencies...)
}

// endpointKey identifies a (service, endpoint) pair for per-endpoint
// breakdowns.
type endpointKey struct {
	service  string
	endpoint string
}

// subWindow is a half-open time bucket [start, start+subSeconds) holding
// the aggregated contribution of every event that fell inside it.
// Lifecycle: created lazily on the first in-range event, accepts further
// events with a matching start until it is evicted once it falls outside
// the total window.
type subWindow struct {
	start      time.Time
	subSeconds int

	overall   *scopeAccumulator
	services  map[string]*scopeAccumulator
	endpoints map[endpointKey]*scopeAccumulator
}

func newSubWindow(start time.Time, subSeconds int) *subWindow {
	return &subWindow{
		start:      start,
		subSeconds: subSeconds,
		overall:    newScopeAccumulator(),
		services:   make(map[string]*scopeAccumulator),
		endpoints:  make(map[endpointKey]*scopeAccumulator),
	}
}

func (w *subWindow) end() time.Time {
	return w.start.Add(time.Duration(w.subSeconds) * time.Second)
}

// record adds one event's contribution to overall, per-service, and
// per-endpoint accumulators in this bucket.
func (w *subWindow) record(e events.MetricsEvent, maxSamples int) {
	w.overall.record(e, maxSamples)

	if e.ServiceName != "" {
		svc, ok := w.services[e.ServiceName]
		if !ok {
			svc = newScopeAccumulator()
			w.services[e.ServiceName] = svc
		}
		svc.record(e, maxSamples)
	}

	if e.ServiceName != "" && e.Endpoint != "" {
		key := endpointKey{service: e.ServiceName, endpoint: e.Endpoint}
		ep, ok := w.endpoints[key]
		if !ok {
			ep = newScopeAccumulator()
			w.endpoints[key] = ep
		}
		ep.record(e, maxSamples)
	}
}

// bucketStart computes floor(t / subSeconds) * subSeconds, aligning every
// bucket to a subSeconds boundary. Computed against the Unix epoch directly (rather
// than time.Time.Truncate, whose zero point is year 1) so alignment holds
// for any sub-window width, not just ones that divide evenly into Go's
// internal epoch offset.
func bucketStart(t time.Time, subSeconds int) time.Time {
	sec := t.Unix()
	aligned := (sec / int64(subSeconds)) * int64(subSeconds)
	return time.Unix(aligned, 0).UTC()
}
