package aggregator

import (
	"math"
	"sort"
	"time"
)

// ScopeMetrics is the set of derived statistics for one scope (overall, a
// service, or an endpoint) at one observation instant.
type ScopeMetrics struct {
	QPS              float64 `json:"qps"`
	ErrorRate        float64 `json:"error_rate"`
	AvgResponseTime  float64 `json:"avg_response_time"`
	P95ResponseTime  float64 `json:"p95_response_time"`
	P99ResponseTime  float64 `json:"p99_response_time"`
	TotalRequests    int64   `json:"total_requests"`
	TotalErrors      int64   `json:"total_errors"`
}

// EndpointScope identifies a per-endpoint metrics entry by its owning
// service and path.
type EndpointScope struct {
	Service  string
	Endpoint string
}

// Snapshot is the immutable derived record produced by the aggregator for
// one point in time. It is read-only to every downstream consumer.
type Snapshot struct {
	WindowStart time.Time
	WindowEnd   time.Time

	// ActiveBuckets is how many live sub-windows contributed to this
	// snapshot, surfaced at the persistence boundary as additional_data.
	ActiveBuckets int

	Overall   ScopeMetrics
	Services  map[string]ScopeMetrics
	Endpoints map[EndpointScope]ScopeMetrics
}

// emptySnapshot returns the well-defined zeroed snapshot used when the
// aggregator has no live data: zero metrics, not an error.
func emptySnapshot(windowStart, windowEnd time.Time) Snapshot {
	return Snapshot{
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Services:    map[string]ScopeMetrics{},
		Endpoints:   map[EndpointScope]ScopeMetrics{},
	}
}

// computeScopeMetrics derives QPS/error-rate/latency statistics from an
// accumulator, rounding every value to two decimal places in the emitted
// snapshot. QPS is the mean rate over the full window, not the most
// recent bucket.
func computeScopeMetrics(acc *scopeAccumulator, totalWindowSeconds float64) ScopeMetrics {
	qps := 0.0
	if totalWindowSeconds > 0 {
		qps = float64(acc.requestCount) / totalWindowSeconds
	}

	errorRate := 0.0
	if acc.requestCount > 0 {
		errorRate = 100 * float64(acc.errorCount) / float64(acc.requestCount)
	}

	avg := 0.0
	if len(acc.latencies) > 0 {
		avg = acc.latencySum / float64(len(acc.latencies))
	}

	p95 := percentile(acc.latencies, 95)
	p99 := percentile(acc.latencies, 99)

	return ScopeMetrics{
		QPS:             round2(qps),
		ErrorRate:       round2(errorRate),
		AvgResponseTime: round2(avg),
		P95ResponseTime: round2(p95),
		P99ResponseTime: round2(p99),
		TotalRequests:   acc.requestCount,
		TotalErrors:     acc.errorCount,
	}
}

// percentile computes the p-th percentile of values via linear
// interpolation on the sorted sample:
//
//	k = (n-1) * p/100
//	value = L[floor(k)] + (k - floor(k)) * (L[ceil(k)] - L[floor(k)])
//
// n=0 yields 0; n=1 yields the single sample.
func percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return values[0]
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	k := float64(n-1) * (p / 100)
	lo := int(math.Floor(k))
	hi := int(math.Ceil(k))
	if hi >= n {
		hi = n - 1
	}
	if lo == hi {
		return sorted[lo]
	}
	frac := k - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
