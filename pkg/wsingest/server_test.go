package wsingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/imgtrace/pkg/correlate"
	"github.com/getmockd/imgtrace/pkg/metrics"
)

func startServer(t *testing.T) (*Server, *httptest.Server, chan correlate.Event, *metrics.Set) {
	t.Helper()
	out := make(chan correlate.Event, 16)
	set := metrics.NewSet(metrics.NewRegistry())
	srv, err := New(Options{Output: out, Metrics: set})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts, out, set
}

func dial(t *testing.T, ts *httptest.Server) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath
	c, _, err := ws.Dial(ctx, url, nil)
	require.NoError(t, err)
	return c
}

func receive(t *testing.T, out <-chan correlate.Event) correlate.Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestNew_RequiresOutput(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNilOutput)
}

func TestServer_PublishesEvents(t *testing.T) {
	srv, ts, out, set := startServer(t)
	c := dial(t, ts)
	defer c.Close(ws.StatusNormalClosure, "")

	ctx := context.Background()
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte(
		`{"type":"requestStarted","method":"GET","url":"https://x.example/a.png","requestId":"1","timeStamp":10}`)))
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte(`{"type":"responseStarted"}`)))
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte(
		`[{"type":"responseStarted","requestId":"1","timeStamp":12,"responseHeaders":[{"name":"Content-Length","value":"5000"}]},
		  {"type":"responseCompleted","requestId":"1"}]`)))

	assert.Equal(t, correlate.RequestStarted{Method: "GET", URL: "https://x.example/a.png", ID: "1", Timestamp: 10}, receive(t, out))
	assert.Equal(t, correlate.TypeResponseStarted, receive(t, out).Type())
	assert.Equal(t, correlate.ResponseCompleted{ID: "1"}, receive(t, out))

	require.Equal(t, 1, srv.Count())
	conns := srv.Connections()
	require.Len(t, conns, 1)
	assert.NotEmpty(t, conns[0].ID)
	assert.Equal(t, int64(3), conns[0].Messages)
	assert.Equal(t, int64(1), conns[0].Rejected)
	assert.Eventually(t, func() bool {
		return srv.Connections()[0].Events == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, set.InvalidMessages.Value("websocket"))
	assert.Equal(t, 1.0, set.WSConnections.Value())
}

func TestServer_BatchKeepsEventsAfterUnknownType(t *testing.T) {
	srv, ts, out, set := startServer(t)
	c := dial(t, ts)
	defer c.Close(ws.StatusNormalClosure, "")

	require.NoError(t, c.Write(context.Background(), ws.MessageText, []byte(`[
		{"type":"requestStarted","method":"GET","url":"https://x.example/a.png","requestId":"9","timeStamp":10},
		{"type":"tabUpdated","requestId":"9"},
		{"type":"responseCompleted","requestId":"9"}]`)))

	assert.Equal(t, correlate.TypeRequestStarted, receive(t, out).Type())
	assert.Equal(t, correlate.ResponseCompleted{ID: "9"}, receive(t, out))
	assert.Equal(t, int64(0), srv.Connections()[0].Rejected)
	assert.Equal(t, 0.0, set.InvalidMessages.Value("websocket"))
}

func TestServer_ConnectionLifecycle(t *testing.T) {
	srv, ts, _, set := startServer(t)

	c := dial(t, ts)
	assert.Eventually(t, func() bool { return srv.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close(ws.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return srv.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return set.WSConnections.Value() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RejectsBinaryFrames(t *testing.T) {
	_, ts, _, _ := startServer(t)
	c := dial(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, ws.MessageBinary, []byte{0x01}))

	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, ws.StatusUnsupportedData, ws.CloseStatus(err))
}

func TestServer_WrongPath(t *testing.T) {
	_, ts, _, _ := startServer(t)
	resp, err := http.Get(ts.URL + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Shutdown(t *testing.T) {
	srv, ts, _, _ := startServer(t)
	c := dial(t, ts)
	assert.Eventually(t, func() bool { return srv.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Keep reading so the client observes the close.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := c.Read(context.Background())
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, srv.Count())

	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}

	assert.ErrorIs(t, srv.Shutdown(ctx), ErrServerClosed)

	resp, err := http.Get(ts.URL + DefaultPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
