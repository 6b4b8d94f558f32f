package wsingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
)

// Connection is one connected event producer.
type Connection struct {
	id          string
	conn        *ws.Conn
	remoteAddr  string
	userAgent   string
	connectedAt time.Time

	messages atomic.Int64
	events   atomic.Int64
	rejected atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  atomic.Bool
}

func newConnection(parent context.Context, c *ws.Conn, remoteAddr, userAgent string) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:          uuid.NewString(),
		conn:        c,
		remoteAddr:  remoteAddr,
		userAgent:   userAgent,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt returns when the connection was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Info is a snapshot of a connection.
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	UserAgent   string    `json:"userAgent,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	Messages    int64     `json:"messages"`
	Events      int64     `json:"events"`
	Rejected    int64     `json:"rejected"`
}

// Info returns a snapshot of the connection counters.
func (c *Connection) Info() Info {
	return Info{
		ID:          c.id,
		RemoteAddr:  c.remoteAddr,
		UserAgent:   c.userAgent,
		ConnectedAt: c.connectedAt,
		Messages:    c.messages.Load(),
		Events:      c.events.Load(),
		Rejected:    c.rejected.Load(),
	}
}

// Close closes the connection with the given status. It is safe to call
// more than once; later calls return ErrConnectionClosed.
func (c *Connection) Close(code ws.StatusCode, reason string) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Swap(true) {
		return ErrConnectionClosed
	}
	c.cancel()
	return c.conn.Close(code, reason)
}
