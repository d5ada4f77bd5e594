package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

var (
	metricsOnce     sync.Once
	rejectionsTotal *prometheus.CounterVec
	chargeCents     *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wopr",
			Subsystem: "gateway",
			Name:      "rejections_total",
			Help:      "Requests rejected before reaching a provider, by reason.",
		}, []string{"reason"})
		chargeCents = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wopr",
			Subsystem: "gateway",
			Name:      "charge_cents_total",
			Help:      "Total cents charged to tenants, by capability and provider.",
		}, []string{"capability", "provider"})
	})
}

func observeRejection(reason string) {
	initMetrics()
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func observeCharge(capability catalog.Capability, provider string, charge money.Cents) {
	initMetrics()
	chargeCents.WithLabelValues(string(capability), provider).Add(float64(charge))
}
