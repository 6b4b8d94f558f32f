package correlate

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/imgtrace/pkg/metrics"
)

// recordingSink captures everything the engine emits, in order.
type recordingSink struct {
	mu        sync.Mutex
	lines     []string
	records   []Record
	readies   int
	failNext  error
	failReady error
}

func (s *recordingSink) EmitRecord(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if s.readies > 0 {
		return errors.New("record after ready")
	}
	s.records = append(s.records, r)
	s.lines = append(s.lines, FormatRecord(r))
	return nil
}

func (s *recordingSink) EmitReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReady != nil {
		return s.failReady
	}
	s.readies++
	s.lines = append(s.lines, ReadySignal)
	return nil
}

func (s *recordingSink) snapshot() ([]string, []Record, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...), append([]Record(nil), s.records...), s.readies
}

func newTestEngine(t *testing.T, quota int, sink Sink) *Engine {
	t.Helper()
	e, err := New(Options{
		TargetHost:   "x.example",
		Quota:        quota,
		MinImageSize: 1000,
		Sink:         sink,
	})
	require.NoError(t, err)
	return e
}

func contentLength(v string) []Header {
	return []Header{{Name: "Content-Type", Value: "image/png"}, {Name: "Content-Length", Value: v}}
}

func feed(e *Engine, id CorrelationID, url, length string, reqTS, respTS Timestamp) EmitResult {
	e.OnRequestStart(RequestStarted{Method: "GET", URL: url, ID: id, Timestamp: reqTS})
	e.OnResponseStart(ResponseStarted{ID: id, URL: url, Headers: contentLength(length), Timestamp: respTS})
	return e.OnResponseComplete(ResponseCompleted{ID: id})
}

func TestNew_Validation(t *testing.T) {
	sink := &recordingSink{}

	_, err := New(Options{Quota: 0, Sink: sink})
	assert.ErrorIs(t, err, ErrInvalidQuota)

	_, err = New(Options{Quota: 1, MinImageSize: -1, Sink: sink})
	assert.ErrorIs(t, err, ErrInvalidMinSize)

	_, err = New(Options{Quota: 1})
	assert.ErrorIs(t, err, ErrNilSink)

	e, err := New(Options{Quota: 1, Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, 0, e.Emitted())
}

func TestEngine_RoundTrip(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 1, sink)

	assert.True(t, e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/img.png", ID: "1", Timestamp: 10}))
	outcome := e.OnResponseStart(ResponseStarted{
		ID:        "1",
		URL:       "https://x.example/img.png",
		Headers:   []Header{{Name: "Content-Length", Value: "5000"}},
		Timestamp: 12,
	})
	assert.True(t, outcome.Matched())

	res := e.OnResponseComplete(ResponseCompleted{ID: "1"})
	require.Equal(t, OutcomeEmitted, res.Outcome)
	require.NotNil(t, res.Record)
	assert.True(t, res.Ready)
	assert.NoError(t, res.Err)
	assert.Equal(t, Record{
		URL:               "https://x.example/img.png",
		ContentLength:     5000,
		ResponseStartedAt: 12,
		RequestedAt:       10,
	}, *res.Record)

	lines, _, readies := sink.snapshot()
	assert.Equal(t, []string{"https://x.example/img.png 5000 12 10\n", "*READY*\n"}, lines)
	assert.Equal(t, 1, readies)
	assert.Equal(t, StateSaturated, e.State())

	select {
	case <-e.Ready():
	default:
		t.Fatal("Ready channel should be closed after saturation")
	}
}

func TestEngine_NonGETNeverMatched(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "HEAD", "get", "OPTIONS"} {
		t.Run(method, func(t *testing.T) {
			sink := &recordingSink{}
			e := newTestEngine(t, 1, sink)

			assert.False(t, e.OnRequestStart(RequestStarted{Method: method, URL: "https://x.example/a.png", ID: "7", Timestamp: 1}))
			outcome := e.OnResponseStart(ResponseStarted{ID: "7", Headers: contentLength("5000"), Timestamp: 2})
			assert.Equal(t, MatchUnmatched, outcome)
			assert.False(t, outcome.Matched())

			res := e.OnResponseComplete(ResponseCompleted{ID: "7"})
			assert.Equal(t, OutcomeUnmatched, res.Outcome)
			assert.Equal(t, 1, e.Stats().IgnoredMethods)
		})
	}
}

func TestEngine_MissingContentLength(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 1, sink)

	e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/a.png", ID: "3", Timestamp: 1})

	for _, headers := range [][]Header{
		nil,
		{{Name: "Content-Type", Value: "image/png"}},
		{{Name: "content-length", Value: ""}},
		{{Name: "Content-Length", Value: "   "}},
		{{Name: "Content-Length", Value: "abc"}},
		{{Name: "Content-Length", Value: "-5"}},
	} {
		outcome := e.OnResponseStart(ResponseStarted{ID: "3", Headers: headers, Timestamp: 2})
		assert.Equal(t, MatchNoContentLength, outcome)
	}

	_, stillPending := e.PendingRequest("3")
	assert.True(t, stillPending, "request must remain registered")
	_, hasResponse := e.PendingResponse("3")
	assert.False(t, hasResponse)

	res := e.OnResponseComplete(ResponseCompleted{ID: "3"})
	assert.Equal(t, OutcomeUnmatched, res.Outcome)

	// A later response carrying the header still matches.
	assert.Equal(t, MatchMatched, e.OnResponseStart(ResponseStarted{ID: "3", Headers: contentLength("4096"), Timestamp: 5}))
	res = e.OnResponseComplete(ResponseCompleted{ID: "3"})
	assert.Equal(t, OutcomeEmitted, res.Outcome)
	assert.Equal(t, Timestamp(5), res.Record.ResponseStartedAt)

	stats := e.Stats()
	assert.Equal(t, 6, stats.MissingContentLength)
	assert.Equal(t, 1, stats.UnmatchedCompletions)
}

func TestEngine_CompletionBeforeResponseStart(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 1, sink)

	e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/a.png", ID: "9", Timestamp: 1})
	res := e.OnResponseComplete(ResponseCompleted{ID: "9"})
	assert.Equal(t, OutcomeUnmatched, res.Outcome)

	_, pending := e.PendingRequest("9")
	assert.True(t, pending, "early completion must not disturb the registry")

	// The pair still correlates once the response starts; the completion
	// that arrives afterwards emits it.
	assert.Equal(t, MatchMatched, e.OnResponseStart(ResponseStarted{ID: "9", Headers: contentLength("2000"), Timestamp: 3}))
	assert.Equal(t, OutcomeEmitted, e.OnResponseComplete(ResponseCompleted{ID: "9"}).Outcome)
}

func TestEngine_UnknownCompletion(t *testing.T) {
	e := newTestEngine(t, 1, &recordingSink{})
	res := e.OnResponseComplete(ResponseCompleted{ID: "never-seen"})
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Nil(t, res.Record)
	assert.Equal(t, StateActive, e.State())
}

func TestEngine_Filter(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		length string
		want   EmitOutcome
	}{
		{"host and size pass", "https://cdn.x.example/p/1.jpg", "1001", OutcomeEmitted},
		{"size equal to threshold", "https://x.example/1.jpg", "1000", OutcomeFiltered},
		{"size below threshold", "https://x.example/1.jpg", "10", OutcomeFiltered},
		{"other host", "https://y.example/1.jpg", "50000", OutcomeFiltered},
		{"host only in query", "https://y.example/1.jpg?ref=x.example", "50000", OutcomeEmitted},
		{"zero length", "https://x.example/1.jpg", "0", OutcomeFiltered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			e := newTestEngine(t, 5, sink)

			res := feed(e, "1", tt.url, tt.length, 1, 2)
			assert.Equal(t, tt.want, res.Outcome)

			_, records, _ := sink.snapshot()
			if tt.want == OutcomeEmitted {
				assert.Len(t, records, 1)
			} else {
				assert.Empty(t, records)
			}
			_, pending := e.PendingResponse("1")
			assert.False(t, pending, "completion always consumes the pending response")
		})
	}
}

func TestEngine_QuotaSaturation(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 2, sink)

	r1 := feed(e, "1", "https://x.example/1.png", "2000", 1, 2)
	assert.Equal(t, OutcomeEmitted, r1.Outcome)
	assert.False(t, r1.Ready)
	assert.Equal(t, StateActive, e.State())

	// A filtered completion does not count toward the quota.
	assert.Equal(t, OutcomeFiltered, feed(e, "2", "https://x.example/small.png", "5", 3, 4).Outcome)
	assert.Equal(t, 1, e.Emitted())

	r3 := feed(e, "3", "https://x.example/3.png", "3000", 5, 6)
	assert.Equal(t, OutcomeEmitted, r3.Outcome)
	assert.True(t, r3.Ready)
	assert.Equal(t, StateSaturated, e.State())

	// Once saturated, matches still happen and completions are consumed,
	// but nothing is emitted.
	r4 := feed(e, "4", "https://x.example/4.png", "4000", 7, 8)
	assert.Equal(t, OutcomeSaturated, r4.Outcome)
	assert.False(t, r4.Ready)
	_, pending := e.PendingResponse("4")
	assert.False(t, pending)

	lines, records, readies := sink.snapshot()
	assert.Len(t, records, 2)
	assert.Equal(t, 1, readies)
	assert.Equal(t, ReadySignal, lines[len(lines)-1])
	assert.Equal(t, 2, e.Emitted())
}

func TestEngine_DuplicateRequestFirstWins(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 1, sink)

	assert.True(t, e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/original.png", ID: "5", Timestamp: 1}))
	// Redirects reuse the identifier; the first URL is kept.
	assert.False(t, e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/redirected.png", ID: "5", Timestamp: 2}))

	req, ok := e.PendingRequest("5")
	require.True(t, ok)
	assert.Equal(t, "https://x.example/original.png", req.URL)
	assert.Equal(t, Timestamp(1), req.RequestedAt)

	e.OnResponseStart(ResponseStarted{ID: "5", Headers: contentLength("5000"), Timestamp: 3})
	res := e.OnResponseComplete(ResponseCompleted{ID: "5"})
	require.Equal(t, OutcomeEmitted, res.Outcome)
	assert.Equal(t, "https://x.example/original.png", res.Record.URL)
	assert.Equal(t, 1, e.Stats().DuplicateRequests)
}

func TestEngine_RequestWhileResponsePending(t *testing.T) {
	e := newTestEngine(t, 1, &recordingSink{})

	e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/a.png", ID: "6", Timestamp: 1})
	require.Equal(t, MatchMatched, e.OnResponseStart(ResponseStarted{ID: "6", Headers: contentLength("5000"), Timestamp: 2}))

	assert.False(t, e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/b.png", ID: "6", Timestamp: 3}))
	_, inRegistry := e.PendingRequest("6")
	assert.False(t, inRegistry, "an identifier never sits in both tables")

	// A second response-start for the same identifier finds nothing to match.
	assert.Equal(t, MatchUnmatched, e.OnResponseStart(ResponseStarted{ID: "6", Headers: contentLength("5000"), Timestamp: 4}))
}

func TestEngine_DuplicateCompletion(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 3, sink)

	assert.Equal(t, OutcomeEmitted, feed(e, "1", "https://x.example/1.png", "5000", 1, 2).Outcome)
	assert.Equal(t, OutcomeUnmatched, e.OnResponseComplete(ResponseCompleted{ID: "1"}).Outcome)

	_, records, _ := sink.snapshot()
	assert.Len(t, records, 1)
}

func TestEngine_SinkError(t *testing.T) {
	sink := &recordingSink{failNext: errors.New("broken pipe")}
	e := newTestEngine(t, 1, sink)

	res := feed(e, "1", "https://x.example/1.png", "5000", 1, 2)
	assert.Equal(t, OutcomeSinkError, res.Outcome)
	assert.EqualError(t, res.Err, "broken pipe")
	assert.Equal(t, 0, e.Emitted())
	assert.Equal(t, StateActive, e.State())

	res = feed(e, "2", "https://x.example/2.png", "5000", 3, 4)
	assert.Equal(t, OutcomeEmitted, res.Outcome)
	assert.True(t, res.Ready)
	assert.Equal(t, 1, e.Stats().SinkErrors)
}

func TestEngine_ReadySinkError(t *testing.T) {
	sink := &recordingSink{failReady: errors.New("closed")}
	e := newTestEngine(t, 1, sink)

	res := feed(e, "1", "https://x.example/1.png", "5000", 1, 2)
	assert.Equal(t, OutcomeEmitted, res.Outcome)
	assert.False(t, res.Ready)
	assert.Error(t, res.Err)
	assert.Equal(t, StateSaturated, e.State(), "saturation is not retried")
}

func TestEngine_CustomFilter(t *testing.T) {
	sink := &recordingSink{}
	e, err := New(Options{
		Quota: 1,
		Sink:  sink,
		Filter: FilterFunc(func(r Record) (bool, error) {
			return r.ContentLength%2 == 0, nil
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFiltered, feed(e, "1", "https://anything/1", "7", 1, 2).Outcome)
	assert.Equal(t, OutcomeEmitted, feed(e, "2", "https://anything/2", "8", 1, 2).Outcome)
}

func TestEngine_HandleRoutesEvents(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 1, sink)

	e.Handle(RequestStarted{Method: "GET", URL: "https://x.example/p.png", ID: "1", Timestamp: 1})
	e.Handle(&ResponseStarted{ID: "1", Headers: contentLength("5000"), Timestamp: 2})
	e.Handle(ResponseCompleted{ID: "1"})

	_, records, readies := sink.snapshot()
	assert.Len(t, records, 1)
	assert.Equal(t, 1, readies)
}

func TestEngine_HandleIgnoresNilEvents(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 1, sink)

	e.Handle(RequestStarted{Method: "GET", URL: "https://x.example/p.png", ID: "1", Timestamp: 1})
	e.Handle(ResponseStarted{ID: "1", Headers: contentLength("5000"), Timestamp: 2})

	assert.NotPanics(t, func() {
		e.Handle(nil)
		e.Handle((*RequestStarted)(nil))
		e.Handle((*ResponseStarted)(nil))
		e.Handle((*ResponseCompleted)(nil))
	})

	_, ok := e.PendingResponse("1")
	assert.True(t, ok, "nil events must not touch pending state")
	stats := e.Stats()
	assert.Zero(t, stats.UnmatchedCompletions)
	assert.Zero(t, stats.Emitted)
}

func TestEngine_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	set := metrics.NewSet(reg)
	e, err := New(Options{TargetHost: "x.example", Quota: 1, MinImageSize: 1000, Sink: &recordingSink{}, Metrics: set})
	require.NoError(t, err)

	e.OnResponseComplete(ResponseCompleted{ID: "ghost"})
	e.OnRequestStart(RequestStarted{Method: "GET", URL: "https://x.example/1.png", ID: "1", Timestamp: 100})
	assert.Equal(t, 1.0, set.Pending.Value(metrics.TableRequests))

	e.OnResponseStart(ResponseStarted{ID: "1", Headers: contentLength("5000"), Timestamp: 150})
	assert.Equal(t, 0.0, set.Pending.Value(metrics.TableRequests))
	assert.Equal(t, 1.0, set.Pending.Value(metrics.TableResponses))

	e.OnResponseComplete(ResponseCompleted{ID: "1"})

	assert.Equal(t, 1.0, set.EventsTotal.Value(TypeRequestStarted))
	assert.Equal(t, 2.0, set.EventsTotal.Value(TypeResponseCompleted))
	assert.Equal(t, 1.0, set.Unmatched.Value(metrics.StageResponseCompleted))
	assert.Equal(t, 1.0, set.RecordsEmitted.Value())
	assert.Equal(t, 1.0, set.Saturated.Value())
	assert.Equal(t, 0.0, set.Pending.Value(metrics.TableResponses))
}

// TestEngine_ConcurrentInterleavings drives many identifiers through the
// engine from concurrent goroutines, with the three events for each
// identifier delivered in random order, and checks the emission invariants.
func TestEngine_ConcurrentInterleavings(t *testing.T) {
	const (
		ids   = 400
		quota = 50
	)
	sink := &recordingSink{}
	e := newTestEngine(t, quota, sink)

	var wg sync.WaitGroup
	for i := 0; i < ids; i++ {
		id := CorrelationID(fmt.Sprintf("%d", i))
		events := []Event{
			RequestStarted{Method: "GET", URL: fmt.Sprintf("https://x.example/%d.jpg", i), ID: id, Timestamp: Timestamp(i)},
			ResponseStarted{ID: id, Headers: contentLength("5000"), Timestamp: Timestamp(i + 1)},
			ResponseCompleted{ID: id},
		}
		rng := rand.New(rand.NewSource(int64(i)))
		rng.Shuffle(len(events), func(a, b int) { events[a], events[b] = events[b], events[a] })

		for _, ev := range events {
			delay := time.Duration(rng.Intn(3)) * time.Microsecond
			wg.Add(1)
			go func(ev Event) {
				defer wg.Done()
				time.Sleep(delay)
				e.Handle(ev)
			}(ev)
		}
	}
	wg.Wait()

	_, records, readies := sink.snapshot()
	assert.LessOrEqual(t, len(records), quota)
	assert.LessOrEqual(t, e.Emitted(), quota)
	if e.Emitted() == quota {
		assert.Equal(t, 1, readies)
		assert.Equal(t, StateSaturated, e.State())
	} else {
		assert.Equal(t, 0, readies)
	}

	for i := 0; i < ids; i++ {
		id := CorrelationID(fmt.Sprintf("%d", i))
		_, inRequests := e.PendingRequest(id)
		_, inResponses := e.PendingResponse(id)
		assert.False(t, inRequests && inResponses, "identifier %s present in both tables", id)
	}

	seen := make(map[string]bool)
	for _, r := range records {
		assert.False(t, seen[r.URL], "record emitted twice: %s", r.URL)
		seen[r.URL] = true
	}
}

func TestEngine_EmittedMonotonic(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 3, sink)

	last := 0
	for i := 0; i < 10; i++ {
		feed(e, CorrelationID(fmt.Sprintf("%d", i)), "https://x.example/a.png", "5000", 1, 2)
		n := e.Emitted()
		assert.GreaterOrEqual(t, n, last)
		assert.LessOrEqual(t, n, 3)
		last = n
	}
	_, _, readies := sink.snapshot()
	assert.Equal(t, 1, readies)
}

func TestContentLength(t *testing.T) {
	tests := []struct {
		name    string
		headers []Header
		want    int64
		ok      bool
	}{
		{"canonical", []Header{{"Content-Length", "5000"}}, 5000, true},
		{"lower case", []Header{{"content-length", "12"}}, 12, true},
		{"upper case", []Header{{"CONTENT-LENGTH", "12"}}, 12, true},
		{"padded", []Header{{"Content-Length", " 42 "}}, 42, true},
		{"zero", []Header{{"Content-Length", "0"}}, 0, true},
		{"last wins", []Header{{"Content-Length", "1"}, {"content-length", "2"}}, 2, true},
		{"absent", []Header{{"Content-Type", "image/png"}}, 0, false},
		{"empty", []Header{{"Content-Length", ""}}, 0, false},
		{"not a number", []Header{{"Content-Length", "12kb"}}, 0, false},
		{"negative", []Header{{"Content-Length", "-1"}}, 0, false},
		{"no headers", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ContentLength(tt.headers)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatRecord(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{URL: "https://x.example/img.png", ContentLength: 5000, ResponseStartedAt: 12, RequestedAt: 10},
			"https://x.example/img.png 5000 12 10\n"},
		{Record{URL: "https://x.example/a.jpg", ContentLength: 1, ResponseStartedAt: 1565000000123.25, RequestedAt: 1565000000100.5},
			"https://x.example/a.jpg 1 1565000000123.25 1565000000100.5\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRecord(tt.rec))
	}
}

func TestRecordLatency(t *testing.T) {
	r := Record{ResponseStartedAt: 112.5, RequestedAt: 100}
	assert.Equal(t, 12500*time.Microsecond, r.Latency())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "saturated", StateSaturated.String())
	text, err := StateSaturated.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "saturated", string(text))
}
