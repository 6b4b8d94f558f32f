package correlate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/getmockd/imgtrace/pkg/logging"
	"github.com/getmockd/imgtrace/pkg/metrics"
)

const (
	// DefaultPendingTTL is how long an unmatched entry may wait before the
	// sweep drops it.
	DefaultPendingTTL = 2 * time.Minute

	// DefaultSweepInterval is how often Start runs the sweep.
	DefaultSweepInterval = 30 * time.Second

	// Unmatched-event diagnostics above this rate are logged at debug level.
	diagnosticRate  = 10
	diagnosticBurst = 20
)

// Option validation errors.
var (
	ErrInvalidQuota   = errors.New("response quota must be greater than zero")
	ErrInvalidMinSize = errors.New("minimum image size must not be negative")
	ErrNilSink        = errors.New("sink is required")
)

// Options configures an Engine.
type Options struct {
	// TargetHost is matched as a substring of each record URL.
	TargetHost string
	// Quota is the number of records to emit before saturating.
	Quota int
	// MinImageSize is the exclusive lower bound on Content-Length.
	MinImageSize int64
	// Filter replaces the default HostSizeFilter when set.
	Filter Filter
	// Sink receives records and the ready signal.
	Sink Sink

	// PendingTTL is the maximum age of a pending entry. Zero disables
	// eviction.
	PendingTTL time.Duration
	// SweepInterval is the period used by Start.
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Set
	// Now overrides the wall clock used for eviction.
	Now func() time.Time
}

// Engine correlates request and response events. It is safe for concurrent
// use.
type Engine struct {
	quota         int
	filter        Filter
	sink          Sink
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Set
	diag          *rate.Limiter

	mu        sync.Mutex
	requests  map[CorrelationID]PendingRequest
	responses map[CorrelationID]PendingResponse
	state     State
	emitted   int
	stats     Stats
	ready     chan struct{}
}

// New validates opts and returns an active Engine.
func New(opts Options) (*Engine, error) {
	if opts.Quota <= 0 {
		return nil, ErrInvalidQuota
	}
	if opts.MinImageSize < 0 {
		return nil, ErrInvalidMinSize
	}
	if opts.Sink == nil {
		return nil, ErrNilSink
	}
	filter := opts.Filter
	if filter == nil {
		filter = HostSizeFilter{TargetHost: opts.TargetHost, MinSize: opts.MinImageSize}
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Discard()
	}

	return &Engine{
		quota:         opts.Quota,
		filter:        filter,
		sink:          opts.Sink,
		ttl:           opts.PendingTTL,
		sweepInterval: interval,
		now:           now,
		logger:        logging.OrNop(opts.Logger).With("component", "correlate"),
		metrics:       m,
		diag:          rate.NewLimiter(diagnosticRate, diagnosticBurst),
		requests:      make(map[CorrelationID]PendingRequest),
		responses:     make(map[CorrelationID]PendingResponse),
		ready:         make(chan struct{}),
	}, nil
}

// Handle routes ev to the matching stage. Nil events, including typed nil
// pointers, are ignored.
func (e *Engine) Handle(ev Event) {
	switch ev := ev.(type) {
	case nil:
		e.logger.Warn("ignoring nil event")
	case RequestStarted:
		e.OnRequestStart(ev)
	case ResponseStarted:
		e.OnResponseStart(ev)
	case ResponseCompleted:
		e.OnResponseComplete(ev)
	case *RequestStarted:
		if ev == nil {
			e.logger.Warn("ignoring nil event", "type", TypeRequestStarted)
			return
		}
		e.OnRequestStart(*ev)
	case *ResponseStarted:
		if ev == nil {
			e.logger.Warn("ignoring nil event", "type", TypeResponseStarted)
			return
		}
		e.OnResponseStart(*ev)
	case *ResponseCompleted:
		if ev == nil {
			e.logger.Warn("ignoring nil event", "type", TypeResponseCompleted)
			return
		}
		e.OnResponseComplete(*ev)
	default:
		e.logger.Warn("ignoring unknown event", "goType", fmt.Sprintf("%T", ev))
	}
}

// OnRequestStart registers a GET request. It reports whether the request
// was registered. A request whose identifier is already pending in either
// table is dropped; the first registration wins.
func (e *Engine) OnRequestStart(ev RequestStarted) bool {
	e.metrics.Event(TypeRequestStarted)

	if ev.Method != http.MethodGet {
		e.mu.Lock()
		e.stats.IgnoredMethods++
		e.mu.Unlock()
		e.logger.Debug("request not tracked", "method", ev.Method, "url", ev.URL, "id", ev.ID)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, inRequests := e.requests[ev.ID]
	_, inResponses := e.responses[ev.ID]
	if inRequests || inResponses {
		e.stats.DuplicateRequests++
		e.metrics.Duplicate()
		e.logger.Debug("duplicate request identifier, keeping first", "id", ev.ID, "url", ev.URL)
		return false
	}

	e.requests[ev.ID] = PendingRequest{
		URL:         ev.URL,
		ID:          ev.ID,
		RequestedAt: ev.Timestamp,
		ObservedAt:  e.now(),
	}
	e.publishPendingLocked()
	e.logger.Debug("request registered", "id", ev.ID, "url", ev.URL)
	return true
}

// OnResponseStart pairs a response with its registered request.
func (e *Engine) OnResponseStart(ev ResponseStarted) MatchOutcome {
	e.metrics.Event(TypeResponseStarted)

	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.requests[ev.ID]
	if !ok {
		e.stats.UnmatchedResponses++
		e.metrics.UnmatchedAt(metrics.StageResponseStarted)
		e.diagnose("response does not belong to a tracked GET request", "id", ev.ID, "url", ev.URL)
		return MatchUnmatched
	}

	length, ok := ContentLength(ev.Headers)
	if !ok {
		e.stats.MissingContentLength++
		e.metrics.NoContentLength()
		e.logger.Debug("no content-length for response", "id", ev.ID, "url", req.URL)
		return MatchNoContentLength
	}

	delete(e.requests, ev.ID)
	e.responses[ev.ID] = PendingResponse{
		ID:                ev.ID,
		ContentLength:     length,
		ResponseStartedAt: ev.Timestamp,
		URL:               req.URL,
		RequestedAt:       req.RequestedAt,
		ObservedAt:        e.now(),
	}
	e.publishPendingLocked()
	e.logger.Debug("response started", "id", ev.ID, "url", req.URL, "contentLength", length)
	return MatchMatched
}

// OnResponseComplete consumes the pending response for ev.ID and, if it
// passes the filter while the engine is active, emits it.
func (e *Engine) OnResponseComplete(ev ResponseCompleted) EmitResult {
	e.metrics.Event(TypeResponseCompleted)

	e.mu.Lock()
	defer e.mu.Unlock()

	resp, ok := e.responses[ev.ID]
	if !ok {
		e.stats.UnmatchedCompletions++
		e.metrics.UnmatchedAt(metrics.StageResponseCompleted)
		e.diagnose("no matching pending response for completion", "id", ev.ID)
		return EmitResult{Outcome: OutcomeUnmatched}
	}
	delete(e.responses, ev.ID)
	e.publishPendingLocked()

	if e.state == StateSaturated {
		return EmitResult{Outcome: OutcomeSaturated}
	}

	rec := Record{
		URL:               resp.URL,
		ContentLength:     resp.ContentLength,
		ResponseStartedAt: resp.ResponseStartedAt,
		RequestedAt:       resp.RequestedAt,
	}

	allowed, err := e.filter.Allow(rec)
	if err != nil {
		e.logger.Warn("filter evaluation failed", "url", rec.URL, "error", err)
	}
	if !allowed {
		e.stats.Filtered++
		e.metrics.FilteredOut()
		return EmitResult{Outcome: OutcomeFiltered}
	}

	if err := e.sink.EmitRecord(rec); err != nil {
		e.stats.SinkErrors++
		e.metrics.SinkError()
		e.logger.Error("failed to emit record", "url", rec.URL, "error", err)
		return EmitResult{Outcome: OutcomeSinkError, Err: err}
	}
	e.emitted++
	e.stats.Emitted = e.emitted
	e.metrics.Emitted(rec.Latency())
	e.logger.Info("record emitted", "url", rec.URL, "contentLength", rec.ContentLength,
		"emitted", e.emitted, "quota", e.quota)

	result := EmitResult{Outcome: OutcomeEmitted, Record: &rec}
	if e.emitted < e.quota {
		return result
	}

	e.state = StateSaturated
	e.metrics.MarkSaturated()
	close(e.ready)
	if err := e.sink.EmitReady(); err != nil {
		e.stats.SinkErrors++
		e.metrics.SinkError()
		e.logger.Error("failed to emit ready signal", "error", err)
		result.Err = err
		return result
	}
	result.Ready = true
	e.logger.Info("quota reached, emission disabled", "quota", e.quota)
	return result
}

// State returns the emitter state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Emitted returns the number of records delivered so far.
func (e *Engine) Emitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted
}

// Ready is closed when the engine saturates.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.State = e.state
	s.Quota = e.quota
	s.Emitted = e.emitted
	s.PendingRequests = len(e.requests)
	s.PendingResponses = len(e.responses)
	return s
}

// PendingRequest returns the registered request for id, if any.
func (e *Engine) PendingRequest(id CorrelationID) (PendingRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[id]
	return r, ok
}

// PendingResponse returns the matched response for id, if any.
func (e *Engine) PendingResponse(id CorrelationID) (PendingResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.responses[id]
	return r, ok
}

func (e *Engine) publishPendingLocked() {
	e.metrics.PendingSizes(len(e.requests), len(e.responses))
}

// diagnose logs an unmatched-event diagnostic, demoting it to debug level
// when they arrive faster than diagnosticRate.
func (e *Engine) diagnose(msg string, args ...any) {
	if e.diag.Allow() {
		e.logger.Warn(msg, args...)
		return
	}
	e.logger.Debug(msg, args...)
}

// ContentLength returns the declared Content-Length from headers. Names
// are compared case-insensitively and the last occurrence wins. Absent,
// empty, or non-numeric values report false.
func ContentLength(headers []Header) (int64, bool) {
	value := ""
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-length") {
			value = strings.TrimSpace(h.Value)
		}
	}
	if value == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
