package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetadataMetrics holds metrics for metadata store operations. It satisfies
// metadata.MetricsRecorder.
type MetadataMetrics struct {
	// LatencyHistogram tracks operation latencies.
	// Labels: operation (get, put, delete, list, put_ephemeral), status
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal counts operations. Labels: operation, status
	RequestsTotal *prometheus.CounterVec
}

// NewMetadataMetrics creates metadata metrics registered with the default registry.
func NewMetadataMetrics() *MetadataMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetadataMetricsWithRegistry creates metadata metrics registered with reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *MetadataMetrics {
	f := promauto.With(reg)
	return &MetadataMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "operation_latency_seconds",
			Help:      "Metadata store operation latency in seconds, broken down by operation type and status.",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "operations_total",
			Help:      "Total number of metadata store operations, broken down by operation type and status.",
		}, []string{"operation", "status"}),
	}
}

// RecordOperation records a metadata operation latency and increments the counter.
func (m *MetadataMetrics) RecordOperation(op string, durationSeconds float64, success bool) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(op, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(op, status).Inc()
}
