package wsingest

import "errors"

var (
	// ErrNilOutput is returned by New when no output channel is given.
	ErrNilOutput = errors.New("output channel is required")

	// ErrServerClosed is returned by Shutdown on a server already shut down.
	ErrServerClosed = errors.New("websocket source closed")

	// ErrConnectionClosed is returned when closing a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)
