// Package storage implements batched persistence of aggregated metrics
// to a time-series store plus a best-effort cache mirror for "current
// value" reads.
package storage

import (
	"time"

	"github.com/infermon/pipeline/internal/aggregator"
)

// MetricType distinguishes the three kinds of row derived from one
// snapshot.
type MetricType string

const (
	MetricTypeOverall  MetricType = "overall"
	MetricTypeService  MetricType = "service"
	MetricTypeEndpoint MetricType = "endpoint"
)

// Record is one row destined for the metrics_aggregated table, matching
// its columns 1:1.
type Record struct {
	Timestamp   time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	ServiceName *string
	Endpoint    *string
	MetricType  MetricType

	QPS             float64
	ErrorRate       float64
	AvgResponseTime float64
	P95ResponseTime float64
	P99ResponseTime float64
	TotalRequests   int64
	TotalErrors     int64

	AdditionalData map[string]any
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RecordsFromSnapshot flattens a Snapshot into the overall/service/endpoint
// rows that get queued for the batch writer, one row per scope.
func RecordsFromSnapshot(snap aggregator.Snapshot, windowSizeSeconds int, activeWindows int) []Record {
	now := snap.WindowEnd
	records := make([]Record, 0, 1+len(snap.Services)+len(snap.Endpoints))

	records = append(records, Record{
		Timestamp:       now,
		WindowStart:     snap.WindowStart,
		WindowEnd:       snap.WindowEnd,
		MetricType:      MetricTypeOverall,
		QPS:             snap.Overall.QPS,
		ErrorRate:       snap.Overall.ErrorRate,
		AvgResponseTime: snap.Overall.AvgResponseTime,
		P95ResponseTime: snap.Overall.P95ResponseTime,
		P99ResponseTime: snap.Overall.P99ResponseTime,
		TotalRequests:   snap.Overall.TotalRequests,
		TotalErrors:     snap.Overall.TotalErrors,
		AdditionalData: map[string]any{
			"active_windows":     activeWindows,
			"window_size_seconds": windowSizeSeconds,
		},
	})

	for service, m := range snap.Services {
		records = append(records, Record{
			Timestamp:       now,
			WindowStart:     snap.WindowStart,
			WindowEnd:       snap.WindowEnd,
			ServiceName:     strPtr(service),
			MetricType:      MetricTypeService,
			QPS:             m.QPS,
			ErrorRate:       m.ErrorRate,
			AvgResponseTime: m.AvgResponseTime,
			P95ResponseTime: m.P95ResponseTime,
			P99ResponseTime: m.P99ResponseTime,
			TotalRequests:   m.TotalRequests,
			TotalErrors:     m.TotalErrors,
			AdditionalData:  map[string]any{},
		})
	}

	for scope, m := range snap.Endpoints {
		records = append(records, Record{
			Timestamp:       now,
			WindowStart:     snap.WindowStart,
			WindowEnd:       snap.WindowEnd,
			ServiceName:     strPtr(scope.Service),
			Endpoint:        strPtr(scope.Endpoint),
			MetricType:      MetricTypeEndpoint,
			QPS:             m.QPS,
			ErrorRate:       m.ErrorRate,
			AvgResponseTime: m.AvgResponseTime,
			P95ResponseTime: m.P95ResponseTime,
			P99ResponseTime: m.P99ResponseTime,
			TotalRequests:   m.TotalRequests,
			TotalErrors:     m.TotalErrors,
			AdditionalData:  map[string]any{},
		})
	}

	return records
}
