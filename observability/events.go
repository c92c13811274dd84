package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics tracks confirmed token movements into and out of the
// custodian.
type SettlementMetrics struct {
	settled *prometheus.CounterVec
	volume  *prometheus.CounterVec
}

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// Settlements returns the metrics registry tracking confirmed settlements.
func Settlements() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Subsystem: "settlements",
				Name:      "total",
				Help:      "Count of confirmed pulls and withdrawals segmented by how the amount was derived.",
			}, []string{"operation", "source"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Subsystem: "settlements",
				Name:      "tokens_total",
				Help:      "Sum of settled token amounts in display units.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(settlementRegistry.settled, settlementRegistry.volume)
	})
	return settlementRegistry
}

// RecordSettlement counts a confirmed settlement. Source is the amount
// derivation ("event", "transfer" or "balance_fallback").
func (m *SettlementMetrics) RecordSettlement(operation, source string, amount float64) {
	if m == nil {
		return
	}
	operation = strings.ToLower(strings.TrimSpace(operation))
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = "unknown"
	}
	m.settled.WithLabelValues(operation, source).Inc()
	if amount > 0 {
		m.volume.WithLabelValues(operation).Add(amount)
	}
}
