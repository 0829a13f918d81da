package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PresenceMetrics holds metrics for the cross-node presence store.
type PresenceMetrics struct {
	// LatencyHistogram tracks presence operations.
	// Labels: operation (register, unregister, list_nodes, sweep), status
	LatencyHistogram *prometheus.HistogramVec

	// RollbacksTotal counts half-written registrations that were rolled back.
	RollbacksTotal prometheus.Counter

	// SweptEntriesTotal counts stale entries removed by startup sweeps.
	SweptEntriesTotal prometheus.Counter
}

// NewPresenceMetrics creates presence metrics registered with the default registry.
func NewPresenceMetrics() *PresenceMetrics {
	return NewPresenceMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewPresenceMetricsWithRegistry creates presence metrics registered with reg.
func NewPresenceMetricsWithRegistry(reg prometheus.Registerer) *PresenceMetrics {
	f := promauto.With(reg)
	return &PresenceMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "operation_latency_seconds",
			Help:      "Presence store operation latency in seconds, broken down by operation and status.",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"operation", "status"}),
		RollbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "rollbacks_total",
			Help:      "Total number of primary registrations rolled back after a partial write.",
		}),
		SweptEntriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "swept_entries_total",
			Help:      "Total number of stale presence entries removed at startup.",
		}),
	}
}

// RecordOperation records one presence operation.
func (m *PresenceMetrics) RecordOperation(op string, durationSeconds float64, success bool) {
	m.LatencyHistogram.WithLabelValues(op, statusLabel(success)).Observe(durationSeconds)
}

// RecordRollback records a rolled back registration.
func (m *PresenceMetrics) RecordRollback() { m.RollbacksTotal.Inc() }

// RecordSwept records n removed stale entries.
func (m *PresenceMetrics) RecordSwept(n int) { m.SweptEntriesTotal.Add(float64(n)) }
