package wsingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	ws "github.com/coder/websocket"

	"github.com/getmockd/imgtrace/pkg/correlate"
	"github.com/getmockd/imgtrace/pkg/events"
	"github.com/getmockd/imgtrace/pkg/logging"
	"github.com/getmockd/imgtrace/pkg/metrics"
)

const (
	// DefaultPath is the endpoint events are accepted on.
	DefaultPath = "/events"
	// DefaultReadLimit is the largest accepted frame.
	DefaultReadLimit = 1 << 20

	sourceLabel = "websocket"
)

// Options configures a Server.
type Options struct {
	Path      string
	ReadLimit int64
	// Output receives decoded events. Required.
	Output  chan<- correlate.Event
	Logger  *slog.Logger
	Metrics *metrics.Set
}

// Server accepts WebSocket connections and publishes their events.
type Server struct {
	path      string
	readLimit int64
	out       chan<- correlate.Event
	logger    *slog.Logger
	metrics   *metrics.Set

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

// New returns a Server for opts.
func New(opts Options) (*Server, error) {
	if opts.Output == nil {
		return nil, ErrNilOutput
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:      path,
		readLimit: limit,
		out:       opts.Output,
		logger:    logging.OrNop(opts.Logger).With("component", "wsingest"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*Connection),
	}, nil
}

// Path returns the endpoint path.
func (s *Server) Path() string { return s.path }

// ServeHTTP upgrades requests on the endpoint path and reads events until
// the peer disconnects or the server shuts down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	wsConn, err := ws.Accept(w, r, &ws.AcceptOptions{
		// Extensions connect from moz-extension:// and chrome-extension:// origins.
		InsecureSkipVerify: true,
		CompressionMode:    ws.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}
	wsConn.SetReadLimit(s.readLimit)

	conn := newConnection(s.ctx, wsConn, r.RemoteAddr, r.UserAgent())
	s.add(conn)
	defer s.remove(conn)

	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Connection) {
	status := ws.StatusNormalClosure
	reason := ""
	defer func() { _ = conn.Close(status, reason) }()

	for {
		msgType, data, err := conn.conn.Read(conn.ctx)
		if err != nil {
			switch {
			case ws.CloseStatus(err) == ws.StatusNormalClosure, ws.CloseStatus(err) == ws.StatusGoingAway:
				s.logger.Debug("connection closed by peer", "connId", conn.id)
			case errors.Is(err, context.Canceled):
				status, reason = ws.StatusGoingAway, "server shutting down"
			default:
				s.logger.Debug("connection read failed", "connId", conn.id, "error", err)
			}
			return
		}
		conn.messages.Add(1)

		if msgType != ws.MessageText {
			s.metrics.Rejected(sourceLabel)
			status, reason = ws.StatusUnsupportedData, "text frames only"
			s.logger.Warn("binary frame rejected", "connId", conn.id)
			return
		}

		evs, err := events.DecodeBatch(data)
		if err != nil {
			if errors.Is(err, events.ErrInvalidMessage) {
				conn.rejected.Add(1)
				s.metrics.Rejected(sourceLabel)
				s.logger.Warn("invalid event message", "connId", conn.id, "error", err)
			} else {
				s.logger.Debug("skipping message", "connId", conn.id, "error", err)
			}
		}
		for _, ev := range evs {
			select {
			case s.out <- ev:
				conn.events.Add(1)
			case <-conn.ctx.Done():
				status, reason = ws.StatusGoingAway, "server shutting down"
				return
			}
		}
	}
}

func (s *Server) add(c *Connection) {
	s.mu.Lock()
	s.conns[c.id] = c
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.logger.Info("event source connected", "connId", c.id, "remoteAddr", c.remoteAddr, "connections", n)
}

func (s *Server) remove(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.ConnectionClosed()
	info := c.Info()
	s.logger.Info("event source disconnected", "connId", c.id,
		"messages", info.Messages, "events", info.Events, "rejected", info.Rejected, "connections", n)
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Connections returns snapshots of the open connections, oldest first.
func (s *Server) Connections() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Shutdown stops accepting connections, closes the open ones, and waits
// for their handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
