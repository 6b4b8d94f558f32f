package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DrainsUntilClosed(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, 2, sink)
	d := NewDispatcher(e, nil)

	events := make(chan Event, EventBuffer)
	events <- RequestStarted{Method: "GET", URL: "https://x.example/1.png", ID: "1", Timestamp: 1}
	events <- nil
	events <- ResponseStarted{ID: "1", Headers: contentLength("5000"), Timestamp: 2}
	events <- ResponseCompleted{ID: "1"}
	close(events)

	require.NoError(t, d.Run(context.Background(), events))

	lines, _, _ := sink.snapshot()
	assert.Equal(t, []string{"https://x.example/1.png 5000 2 1\n"}, lines)
	assert.Equal(t, StateActive, e.State())
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	e := newTestEngine(t, 1, &recordingSink{})
	d := NewDispatcher(e, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
