package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HubMetrics holds metrics for client control channels served by this node.
type HubMetrics struct {
	// ActiveConnections tracks the current number of open hub connections.
	ActiveConnections prometheus.Gauge

	// InvocationsTotal counts hub method invocations.
	// Labels: method (Authorize, JoinPlanet, ...), status (success, failure)
	InvocationsTotal *prometheus.CounterVec

	// RejectedTotal counts refused connections and throttled invocations.
	// Labels: reason (misdirected, rate_limited, upgrade)
	RejectedTotal *prometheus.CounterVec
}

// NewHubMetrics creates hub metrics registered with the default registry.
func NewHubMetrics() *HubMetrics {
	return NewHubMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewHubMetricsWithRegistry creates hub metrics registered with reg.
func NewHubMetricsWithRegistry(reg prometheus.Registerer) *HubMetrics {
	f := promauto.With(reg)
	return &HubMetrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "active_connections",
			Help:      "Current number of open hub connections.",
		}),
		InvocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "invocations_total",
			Help:      "Total number of hub method invocations, broken down by method and status.",
		}, []string{"method", "status"}),
		RejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "rejected_total",
			Help:      "Total number of refused connections or throttled invocations, broken down by reason.",
		}, []string{"reason"}),
	}
}

// ConnectionOpened increments the active connection gauge.
func (m *HubMetrics) ConnectionOpened() { m.ActiveConnections.Inc() }

// ConnectionClosed decrements the active connection gauge.
func (m *HubMetrics) ConnectionClosed() { m.ActiveConnections.Dec() }

// RecordInvocation records one hub method call.
func (m *HubMetrics) RecordInvocation(method string, success bool) {
	m.InvocationsTotal.WithLabelValues(method, statusLabel(success)).Inc()
}

// RecordRejected records a refused connection or throttled call.
func (m *HubMetrics) RecordRejected(reason string) {
	m.RejectedTotal.WithLabelValues(reason).Inc()
}
