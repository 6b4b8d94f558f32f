package correlate

import (
	"context"
	"log/slog"

	"github.com/getmockd/imgtrace/pkg/logging"
)

// EventBuffer is the suggested capacity for event channels feeding a
// Dispatcher.
const EventBuffer = 1024

// Dispatcher delivers events from a channel to an Engine on a single
// goroutine.
type Dispatcher struct {
	engine *Engine
	logger *slog.Logger
}

// NewDispatcher returns a Dispatcher for engine.
func NewDispatcher(engine *Engine, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		logger: logging.OrNop(logger).With("component", "dispatcher"),
	}
}

// Run handles events until the channel is closed (returns nil) or ctx is
// cancelled (returns ctx.Err()).
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) error {
	d.logger.Debug("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				d.logger.Debug("event channel closed")
				return nil
			}
			if ev == nil {
				continue
			}
			d.engine.Handle(ev)
		}
	}
}
