package metrics

import "time"

// Label values used by Set.
const (
	StageResponseStarted   = "responseStarted"
	StageResponseCompleted = "responseCompleted"

	TableRequests  = "requests"
	TableResponses = "responses"
)

// Set is the group of metrics reported by the correlation engine and its
// event sources. The zero value is not usable; build one with NewSet.
type Set struct {
	EventsTotal          *Counter
	InvalidMessages      *Counter
	RecordsEmitted       *Counter
	Filtered             *Counter
	Unmatched            *Counter
	MissingContentLength *Counter
	DuplicateRequests    *Counter
	Evicted              *Counter
	SinkErrors           *Counter
	Pending              *Gauge
	Saturated            *Gauge
	WSConnections        *Gauge
	ResponseLatency      *Histogram
}

// NewSet registers the engine metrics on r.
func NewSet(r *Registry) *Set {
	return &Set{
		EventsTotal: r.NewCounter("imgtrace_events_total",
			"Events received from the event source", "type"),
		InvalidMessages: r.NewCounter("imgtrace_invalid_messages_total",
			"Inbound messages rejected by decoding or schema validation", "source"),
		RecordsEmitted: r.NewCounter("imgtrace_records_emitted_total",
			"Correlated records delivered to the consumer"),
		Filtered: r.NewCounter("imgtrace_filtered_total",
			"Completed responses rejected by the host/size filter"),
		Unmatched: r.NewCounter("imgtrace_unmatched_total",
			"Response events with no corresponding pending entry", "stage"),
		MissingContentLength: r.NewCounter("imgtrace_missing_content_length_total",
			"Matched responses without a usable Content-Length header"),
		DuplicateRequests: r.NewCounter("imgtrace_duplicate_requests_total",
			"Request-start events dropped because the identifier was already pending"),
		Evicted: r.NewCounter("imgtrace_evicted_total",
			"Pending entries removed by the age-based sweep", "table"),
		SinkErrors: r.NewCounter("imgtrace_sink_errors_total",
			"Failed writes to the consumer channel"),
		Pending: r.NewGauge("imgtrace_pending",
			"Entries currently held in a pending table", "table"),
		Saturated: r.NewGauge("imgtrace_saturated",
			"1 once the response quota has been reached"),
		WSConnections: r.NewGauge("imgtrace_ws_connections",
			"Open WebSocket event source connections"),
		ResponseLatency: r.NewHistogram("imgtrace_response_latency_seconds",
			"Time between request start and response start for emitted records", LatencyBuckets),
	}
}

// Discard returns a Set on a private registry, for callers that do not
// export metrics.
func Discard() *Set {
	return NewSet(NewRegistry())
}

func inc(c *Counter, labels ...string) {
	if v, err := c.WithLabels(labels...); err == nil {
		_ = v.Inc()
	}
}

// Event counts one inbound event of the given type.
func (s *Set) Event(eventType string) { inc(s.EventsTotal, eventType) }

// Emitted counts one delivered record and its latency.
func (s *Set) Emitted(latency time.Duration) {
	inc(s.RecordsEmitted)
	if latency >= 0 {
		_ = s.ResponseLatency.Observe(latency.Seconds())
	}
}

// FilteredOut counts one completion rejected by the filter.
func (s *Set) FilteredOut() { inc(s.Filtered) }

// UnmatchedAt counts one unmatched event at stage.
func (s *Set) UnmatchedAt(stage string) { inc(s.Unmatched, stage) }

// NoContentLength counts one response without a usable Content-Length.
func (s *Set) NoContentLength() { inc(s.MissingContentLength) }

// Duplicate counts one dropped duplicate request.
func (s *Set) Duplicate() { inc(s.DuplicateRequests) }

// Rejected counts one undecodable message from source.
func (s *Set) Rejected(source string) { inc(s.InvalidMessages, source) }

// SinkError counts one failed consumer write.
func (s *Set) SinkError() { inc(s.SinkErrors) }

// EvictedFrom adds n evictions for table.
func (s *Set) EvictedFrom(table string, n int) {
	if n <= 0 {
		return
	}
	if v, err := s.Evicted.WithLabels(table); err == nil {
		_ = v.Add(float64(n))
	}
}

// PendingSizes publishes the current size of both pending tables.
func (s *Set) PendingSizes(requests, responses int) {
	if v, err := s.Pending.WithLabels(TableRequests); err == nil {
		v.Set(float64(requests))
	}
	if v, err := s.Pending.WithLabels(TableResponses); err == nil {
		v.Set(float64(responses))
	}
}

// MarkSaturated flips the saturation gauge to 1.
func (s *Set) MarkSaturated() { _ = s.Saturated.Set(1) }

// ConnectionOpened increments the WebSocket connection gauge.
func (s *Set) ConnectionOpened() {
	if v, err := s.WSConnections.WithLabels(); err == nil {
		v.Inc()
	}
}

// ConnectionClosed decrements the WebSocket connection gauge.
func (s *Set) ConnectionClosed() {
	if v, err := s.WSConnections.WithLabels(); err == nil {
		v.Dec()
	}
}
