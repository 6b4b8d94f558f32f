package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/getmockd/imgtrace/pkg/correlate"
	"github.com/getmockd/imgtrace/pkg/logging"
	"github.com/getmockd/imgtrace/pkg/nativemsg"
)

// Host is the native messaging consumer: it reads string messages and
// writes them to a session. The ready signal creates the marker; any other
// string is appended verbatim.
type Host struct {
	session *Session
	logger  *slog.Logger
}

// NewHost returns a Host writing to s.
func NewHost(s *Session, logger *slog.Logger) *Host {
	return &Host{session: s, logger: logging.OrNop(logger).With("component", "collector")}
}

type message struct {
	text string
	err  error
}

// Run consumes messages until the stream ends (nil), a framing or write
// error occurs, or ctx is cancelled (nil).
func (h *Host) Run(ctx context.Context, r *nativemsg.Reader) error {
	msgs := make(chan message)
	go func() {
		for {
			text, err := r.ReadString()
			select {
			case msgs <- message{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, nativemsg.ErrNotString) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			if m.err != nil {
				if errors.Is(m.err, io.EOF) {
					h.logger.Info("native messaging stream closed", "records", h.session.Meta().RecordCount)
					return nil
				}
				if errors.Is(m.err, nativemsg.ErrNotString) {
					h.logger.Warn("skipping non-string message", "error", m.err)
					continue
				}
				return m.err
			}
			if err := h.handle(m.text); err != nil {
				return err
			}
		}
	}
}

func (h *Host) handle(text string) error {
	if text == correlate.ReadySignal {
		h.logger.Info("quota reached", "marker", h.session.MarkerPath())
		return h.session.MarkReady()
	}
	return h.session.Append(text)
}
