package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	custodydMetricsOnce sync.Once
	custodydRegistry    *CustodydMetrics
)

// CustodydMetrics wraps the collectors tracking wallet lifecycle health.
type CustodydMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	exhausted      *prometheus.CounterVec
	lockContention *prometheus.CounterVec
	dedupSuppress  prometheus.Counter
	sentinelTicks  *prometheus.CounterVec
	sentinelRun    prometheus.Histogram
	walletFailures prometheus.Counter
	alerts         prometheus.Counter
	trackedBalance prometheus.Gauge
	notifications  *prometheus.CounterVec
}

// Custodyd exposes the lazily initialised metrics registry for custodyd.
func Custodyd() *CustodydMetrics {
	custodydMetricsOnce.Do(func() {
		custodydRegistry = &CustodydMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Name:      "operations_total",
				Help:      "Count of lifecycle operations segmented by operation and outcome kind.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "custodyd",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lifecycle operations including confirmation waits.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"operation"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Name:      "retries_total",
				Help:      "Count of retried remote calls segmented by call name.",
			}, []string{"call"}),
			exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Name:      "remote_exhausted_total",
				Help:      "Count of remote calls that failed after exhausting retries.",
			}, []string{"call"}),
			lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Name:      "lock_contention_total",
				Help:      "Count of mutating operations rejected because the wallet was busy.",
			}, []string{"operation"}),
			dedupSuppress: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custodyd",
				Name:      "onboarding_suppressed_total",
				Help:      "Count of duplicate onboarding events suppressed by the dedup window.",
			}),
			sentinelTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Subsystem: "sentinel",
				Name:      "ticks_total",
				Help:      "Count of sentinel ticks segmented by outcome (run or skipped).",
			}, []string{"outcome"}),
			sentinelRun: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "custodyd",
				Subsystem: "sentinel",
				Name:      "tick_duration_seconds",
				Help:      "Duration of completed sentinel ticks.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			walletFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custodyd",
				Subsystem: "sentinel",
				Name:      "wallet_failures_total",
				Help:      "Count of wallets skipped during a tick because the balance query failed.",
			}),
			alerts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custodyd",
				Subsystem: "sentinel",
				Name:      "ready_alerts_total",
				Help:      "Count of ready-to-pull alerts emitted.",
			}),
			trackedBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "custodyd",
				Subsystem: "sentinel",
				Name:      "tracked_balance_tokens",
				Help:      "Sum of wallet token balances observed during the last completed tick.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodyd",
				Name:      "notifications_total",
				Help:      "Count of webhook notification deliveries segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(
			custodydRegistry.operations,
			custodydRegistry.latency,
			custodydRegistry.retries,
			custodydRegistry.exhausted,
			custodydRegistry.lockContention,
			custodydRegistry.dedupSuppress,
			custodydRegistry.sentinelTicks,
			custodydRegistry.sentinelRun,
			custodydRegistry.walletFailures,
			custodydRegistry.alerts,
			custodydRegistry.trackedBalance,
			custodydRegistry.notifications,
		)
	})
	return custodydRegistry
}

// ObserveOperation records the outcome and latency of a lifecycle operation.
// Outcome should be "success" or a stable error kind.
func (m *CustodydMetrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	operation = label(operation)
	m.operations.WithLabelValues(operation, label(outcome)).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRetry increments the retry counter for the named remote call.
func (m *CustodydMetrics) RecordRetry(call string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(call)).Inc()
}

// RecordExhausted increments the exhausted counter for the named remote call.
func (m *CustodydMetrics) RecordExhausted(call string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(label(call)).Inc()
}

// RecordBusy notes an operation rejected by a lock.
func (m *CustodydMetrics) RecordBusy(operation string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(label(operation)).Inc()
}

// RecordSuppressed notes a deduplicated onboarding event.
func (m *CustodydMetrics) RecordSuppressed() {
	if m == nil {
		return
	}
	m.dedupSuppress.Inc()
}

// RecordTick records a sentinel tick. Skipped ticks carry no duration.
func (m *CustodydMetrics) RecordTick(skipped bool, d time.Duration) {
	if m == nil {
		return
	}
	if skipped {
		m.sentinelTicks.WithLabelValues("skipped").Inc()
		return
	}
	m.sentinelTicks.WithLabelValues("run").Inc()
	m.sentinelRun.Observe(d.Seconds())
}

// RecordWalletFailure notes a wallet skipped during a sentinel tick.
func (m *CustodydMetrics) RecordWalletFailure() {
	if m == nil {
		return
	}
	m.walletFailures.Inc()
}

// RecordAlert notes an emitted ready-to-pull alert.
func (m *CustodydMetrics) RecordAlert() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}

// SetTrackedBalance updates the aggregate balance gauge.
func (m *CustodydMetrics) SetTrackedBalance(total float64) {
	if m == nil {
		return
	}
	m.trackedBalance.Set(total)
}

// RecordNotification counts a webhook delivery outcome ("delivered", "failed",
// "dropped").
func (m *CustodydMetrics) RecordNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(label(kind), label(outcome)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unspecified"
	}
	return strings.ToLower(trimmed)
}
