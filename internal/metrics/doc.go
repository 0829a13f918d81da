// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for:
//   - hub connections and control-channel invocations
//   - relay fan-out (published, delivered and dropped events)
//   - presence store operation latency and startup sweeps
//   - node session state transitions, reconnects and failed pings
//   - metadata store operation latency
//
// Every constructor has a WithRegistry variant so tests can use a private
// prometheus.Registry instead of the default one.
//
// Usage:
//
//	hubMetrics := metrics.NewHubMetrics()
//	relayMetrics := metrics.NewRelayMetrics()
//
//	h := hub.New(hub.Options{Metrics: hubMetrics, ...})
//
//	healthServer.RegisterHandler("/metrics", metrics.Handler(nil))
package metrics

const namespace = "orbit"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// DefaultLatencyBuckets suit calls to Redis and Oxia, which are usually
// sub-millisecond to tens of milliseconds.
var DefaultLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}
