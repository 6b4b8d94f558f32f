// Package metrics exposes imgtrace's internal counters in the Prometheus
// text exposition format (text/plain; version=0.0.4).
//
// Supported metric types:
//   - Counter: monotonically increasing value (events seen, records emitted)
//   - Gauge: value that can go up or down (pending table sizes)
//   - Histogram: distribution of values (request-to-response latency)
//
// All metrics are safe for concurrent use.
//
// # Engine metrics
//
// NewSet registers the correlation engine's metrics on a registry:
//
//   - imgtrace_events_total{type}
//   - imgtrace_records_emitted_total
//   - imgtrace_filtered_total
//   - imgtrace_unmatched_total{stage}
//   - imgtrace_missing_content_length_total
//   - imgtrace_duplicate_requests_total
//   - imgtrace_evicted_total{table}
//   - imgtrace_pending{table}
//   - imgtrace_saturated
//   - imgtrace_sink_errors_total
//   - imgtrace_ws_connections
//   - imgtrace_response_latency_seconds
//
// # Usage
//
//	reg := metrics.NewRegistry()
//	set := metrics.NewSet(reg)
//	set.Event("requestStarted")
//	http.Handle("/metrics", reg.Handler())
package metrics
