package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	operations   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	liquidations prometheus.Counter
	oracleErrors *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *engineMetrics
)

// Engine returns the metrics registry tracking ledger operations.
func Engine() *engineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &engineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of committed engine operations segmented by kind.",
			}, []string{"op"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "engine",
				Name:      "operation_failures_total",
				Help:      "Count of rejected engine operations segmented by kind.",
			}, []string{"op"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablecore",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency of engine operations from entry to commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations.",
			}),
			oracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "oracle",
				Name:      "feed_errors_total",
				Help:      "Count of rejected price feed readings segmented by feed.",
			}, []string{"feed"}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.failures,
			engineRegistry.duration,
			engineRegistry.liquidations,
			engineRegistry.oracleErrors,
		)
	})
	return engineRegistry
}

// ObserveOperation records the outcome and latency of one engine operation.
func (m *engineMetrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	op = normaliseLabel(op)
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.failures.WithLabelValues(op).Inc()
		return
	}
	m.operations.WithLabelValues(op).Inc()
}

// RecordLiquidation counts one completed liquidation.
func (m *engineMetrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// RecordOracleError counts one rejected feed reading.
func (m *engineMetrics) RecordOracleError(feed string) {
	if m == nil {
		return
	}
	m.oracleErrors.WithLabelValues(normaliseLabel(feed)).Inc()
}

func normaliseLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
