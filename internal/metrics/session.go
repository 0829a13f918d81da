package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionMetrics holds metrics for outbound node sessions.
type SessionMetrics struct {
	// TransitionsTotal counts state changes. Labels: node, state
	TransitionsTotal *prometheus.CounterVec

	// ReconnectsTotal counts reconnect loops that ran. Labels: node
	ReconnectsTotal *prometheus.CounterVec

	// PingFailuresTotal counts failed or timed out heartbeats. Labels: node
	PingFailuresTotal *prometheus.CounterVec
}

// NewSessionMetrics creates session metrics registered with the default registry.
func NewSessionMetrics() *SessionMetrics {
	return NewSessionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewSessionMetricsWithRegistry creates session metrics registered with reg.
func NewSessionMetricsWithRegistry(reg prometheus.Registerer) *SessionMetrics {
	f := promauto.With(reg)
	return &SessionMetrics{
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total number of node session state transitions, broken down by node and target state.",
		}, []string{"node", "state"}),
		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect loops run, broken down by node.",
		}, []string{"node"}),
		PingFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ping_failures_total",
			Help:      "Total number of failed heartbeat pings, broken down by node.",
		}, []string{"node"}),
	}
}

// RecordTransition records a state change.
func (m *SessionMetrics) RecordTransition(node, state string) {
	m.TransitionsTotal.WithLabelValues(node, state).Inc()
}

// RecordReconnect records a reconnect loop.
func (m *SessionMetrics) RecordReconnect(node string) {
	m.ReconnectsTotal.WithLabelValues(node).Inc()
}

// RecordPingFailure records a failed heartbeat.
func (m *SessionMetrics) RecordPingFailure(node string) {
	m.PingFailuresTotal.WithLabelValues(node).Inc()
}
