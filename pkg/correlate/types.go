package correlate

import (
	"strconv"
	"time"
)

// CorrelationID is the opaque key shared by a request and its response.
type CorrelationID string

// Timestamp is an event-source time in milliseconds.
type Timestamp float64

// String renders t in the shortest decimal form that round-trips.
func (t Timestamp) String() string {
	return strconv.FormatFloat(float64(t), 'f', -1, 64)
}

// Sub returns the duration between t and u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration((float64(t) - float64(u)) * float64(time.Millisecond))
}

// Event type names, as used on the wire.
const (
	TypeRequestStarted    = "requestStarted"
	TypeResponseStarted   = "responseStarted"
	TypeResponseCompleted = "responseCompleted"
)

// Event is one notification from the event source.
type Event interface {
	Type() string
	CorrelationID() CorrelationID
}

// Header is a single response header in source order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestStarted is emitted when the browser is about to send a request.
type RequestStarted struct {
	Method    string
	URL       string
	ID        CorrelationID
	Timestamp Timestamp
}

func (RequestStarted) Type() string                   { return TypeRequestStarted }
func (e RequestStarted) CorrelationID() CorrelationID { return e.ID }

// ResponseStarted is emitted when the first response byte arrives.
type ResponseStarted struct {
	ID        CorrelationID
	URL       string
	Headers   []Header
	Timestamp Timestamp
}

func (ResponseStarted) Type() string                   { return TypeResponseStarted }
func (e ResponseStarted) CorrelationID() CorrelationID { return e.ID }

// ResponseCompleted is emitted when the response body has been received.
type ResponseCompleted struct {
	ID CorrelationID
}

func (ResponseCompleted) Type() string                   { return TypeResponseCompleted }
func (e ResponseCompleted) CorrelationID() CorrelationID { return e.ID }

// PendingRequest is a registered GET request awaiting its response.
type PendingRequest struct {
	URL         string
	ID          CorrelationID
	RequestedAt Timestamp
	// ObservedAt is engine wall-clock time, used only for eviction.
	ObservedAt time.Time
}

// PendingResponse is a matched response awaiting completion.
type PendingResponse struct {
	ID                CorrelationID
	ContentLength     int64
	ResponseStartedAt Timestamp
	URL               string
	RequestedAt       Timestamp
	ObservedAt        time.Time
}

// Record is one correlated, emitted resource.
type Record struct {
	URL               string    `json:"url"`
	ContentLength     int64     `json:"contentLength"`
	ResponseStartedAt Timestamp `json:"responseStart"`
	RequestedAt       Timestamp `json:"requestStart"`
}

// Latency is the time between request start and response start.
func (r Record) Latency() time.Duration {
	return r.ResponseStartedAt.Sub(r.RequestedAt)
}

// State is the emitter state.
type State int

const (
	// StateActive accepts and emits records.
	StateActive State = iota
	// StateSaturated is terminal: the quota has been reached.
	StateSaturated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSaturated:
		return "saturated"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MatchOutcome is the result of OnResponseStart.
type MatchOutcome int

const (
	// MatchMatched means a pending response was created.
	MatchMatched MatchOutcome = iota
	// MatchNoContentLength means the request was found but the response
	// declared no usable Content-Length; the request stays registered.
	MatchNoContentLength
	// MatchUnmatched means no GET request is registered for the identifier.
	MatchUnmatched
)

// Matched reports whether a pending response was created.
func (m MatchOutcome) Matched() bool { return m == MatchMatched }

func (m MatchOutcome) String() string {
	switch m {
	case MatchMatched:
		return "matched"
	case MatchNoContentLength:
		return "no-content-length"
	case MatchUnmatched:
		return "unmatched"
	default:
		return "unknown"
	}
}

// EmitOutcome classifies a completion.
type EmitOutcome int

const (
	// OutcomeEmitted means a record reached the sink.
	OutcomeEmitted EmitOutcome = iota
	// OutcomeFiltered means the response failed the host/size filter.
	OutcomeFiltered
	// OutcomeSaturated means the engine had already reached its quota.
	OutcomeSaturated
	// OutcomeUnmatched means no pending response existed for the identifier.
	OutcomeUnmatched
	// OutcomeSinkError means the sink rejected the record.
	OutcomeSinkError
)

func (o EmitOutcome) String() string {
	switch o {
	case OutcomeEmitted:
		return "emitted"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeSaturated:
		return "saturated"
	case OutcomeUnmatched:
		return "unmatched"
	case OutcomeSinkError:
		return "sink-error"
	default:
		return "unknown"
	}
}

// EmitResult is returned by OnResponseComplete.
type EmitResult struct {
	Outcome EmitOutcome
	// Record is set for OutcomeEmitted.
	Record *Record
	// Ready is true on the completion that delivered the ready signal.
	Ready bool
	// Err holds a sink write error, if any.
	Err error
}

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	State                State `json:"state"`
	Quota                int   `json:"quota"`
	Emitted              int   `json:"emitted"`
	PendingRequests      int   `json:"pendingRequests"`
	PendingResponses     int   `json:"pendingResponses"`
	Filtered             int   `json:"filtered"`
	UnmatchedResponses   int   `json:"unmatchedResponses"`
	UnmatchedCompletions int   `json:"unmatchedCompletions"`
	MissingContentLength int   `json:"missingContentLength"`
	DuplicateRequests    int   `json:"duplicateRequests"`
	IgnoredMethods       int   `json:"ignoredMethods"`
	EvictedRequests      int   `json:"evictedRequests"`
	EvictedResponses     int   `json:"evictedResponses"`
	SinkErrors           int   `json:"sinkErrors"`
}
