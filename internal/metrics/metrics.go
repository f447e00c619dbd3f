// Package metrics exposes Prometheus collectors for the pipeline's own
// operational health, independent of the business metrics it aggregates.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the collectors this pipeline exposes on /metrics.
type Registry struct {
	EventsConsumed   prometheus.Counter
	EventsInvalid    prometheus.Counter
	EventsFailed     prometheus.Counter
	StorageWrites    prometheus.Counter
	StorageFailures  prometheus.Counter
	AlertsTriggered  prometheus.Counter
	AlertsResolved   prometheus.Counter
	ActiveAlerts     prometheus.Gauge
}

func NewRegistry() *Registry {
	return &Registry{
		EventsConsumed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_monitor_events_consumed_total",
			Help: "Total number of broker messages consumed.",
		}),
		EventsInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_monitor_events_invalid_total",
			Help: "Total number of messages dropped for failing to decode.",
		}),
		EventsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_monitor_events_handler_failed_total",
			Help: "Total number of messages whose handler returned an error.",
		}),
		StorageWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_monitor_storage_writes_total",
			Help: "Total number of records persisted to the time-series store.",
		}),
		StorageFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_monitor_storage_batch_failures_total",
			Help: "Total number of batch writes dropped after failing.",
		}),
		AlertsTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_monitor_alerts_triggered_total",
			Help: "Total number of alerts triggered.",
		}),
		AlertsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_monitor_alerts_resolved_total",
			Help: "Total number of alerts resolved.",
		}),
		ActiveAlerts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inference_monitor_active_alerts",
			Help: "Current number of active alerts.",
		}),
	}
}

func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
