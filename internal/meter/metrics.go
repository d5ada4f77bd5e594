package meter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the metering pipeline.
type Metrics struct {
	EventsTotal   *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	EventsFailed  *prometheus.CounterVec
	ChargeCents   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// newMetrics registers the pipeline metrics once per process; subsequent
// pipelines (tests) share the same collectors.
func newMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meter_events_total",
					Help: "Total meter events persisted",
				},
				[]string{"capability", "provider"},
			),
			EventsDropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meter_events_dropped_total",
					Help: "Meter events dropped because the emit queue was full",
				},
				[]string{"capability"},
			),
			EventsFailed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meter_events_failed_total",
					Help: "Meter events that failed to persist",
				},
				[]string{"capability"},
			),
			ChargeCents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meter_charge_cents_total",
					Help: "Total charge billed to tenants in cents",
				},
				[]string{"capability", "provider"},
			),
		}
	})
	return metricsInst
}
