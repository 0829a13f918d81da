package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayMetrics holds fan-out metrics.
type RelayMetrics struct {
	// PublishedTotal counts events accepted for fan-out. Labels: kind (u, p, c, i)
	PublishedTotal *prometheus.CounterVec

	// DeliveredTotal counts per-connection deliveries.
	DeliveredTotal prometheus.Counter

	// DroppedTotal counts events lost before reaching a connection.
	// Labels: reason (queue_full, send_buffer_full, closed, encode)
	DroppedTotal *prometheus.CounterVec

	// BusMessagesTotal counts cross-node relay messages.
	// Labels: direction (sent, received), status
	BusMessagesTotal *prometheus.CounterVec
}

// NewRelayMetrics creates relay metrics registered with the default registry.
func NewRelayMetrics() *RelayMetrics {
	return NewRelayMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRelayMetricsWithRegistry creates relay metrics registered with reg.
func NewRelayMetricsWithRegistry(reg prometheus.Registerer) *RelayMetrics {
	f := promauto.With(reg)
	return &RelayMetrics{
		PublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Total number of events accepted for fan-out, broken down by group kind.",
		}, []string{"kind"}),
		DeliveredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "delivered_total",
			Help:      "Total number of events handed to a connection's send buffer.",
		}),
		DroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Total number of events dropped, broken down by reason.",
		}, []string{"reason"}),
		BusMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bus_messages_total",
			Help:      "Total number of cross-node relay messages, broken down by direction and status.",
		}, []string{"direction", "status"}),
	}
}

// RecordPublished records an accepted event for a group of the given kind.
func (m *RelayMetrics) RecordPublished(kind string) {
	m.PublishedTotal.WithLabelValues(kind).Inc()
}

// RecordDelivered records n per-connection deliveries.
func (m *RelayMetrics) RecordDelivered(n int) {
	m.DeliveredTotal.Add(float64(n))
}

// RecordDropped records a dropped event.
func (m *RelayMetrics) RecordDropped(reason string) {
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

// RecordBus records a node bus message.
func (m *RelayMetrics) RecordBus(direction string, success bool) {
	m.BusMessagesTotal.WithLabelValues(direction, statusLabel(success)).Inc()
}
