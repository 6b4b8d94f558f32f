package nativemsg

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/getmockd/imgtrace/pkg/correlate"
	"github.com/getmockd/imgtrace/pkg/events"
	"github.com/getmockd/imgtrace/pkg/logging"
	"github.com/getmockd/imgtrace/pkg/metrics"
)

const sourceLabel = "native"

// Source reads event messages from a Reader and publishes the decoded
// events.
type Source struct {
	r       *Reader
	logger  *slog.Logger
	metrics *metrics.Set
}

// NewSource returns a Source reading from r. logger and m may be nil.
func NewSource(r *Reader, logger *slog.Logger, m *metrics.Set) *Source {
	if m == nil {
		m = metrics.Discard()
	}
	return &Source{
		r:       r,
		logger:  logging.OrNop(logger).With("component", "nativemsg"),
		metrics: m,
	}
}

type frame struct {
	msg json.RawMessage
	err error
}

// Run publishes events to out until the stream ends (returns nil), a
// framing error occurs, or ctx is cancelled (returns nil). Invalid messages
// are logged and skipped. Run does not close out.
//
// Reads are blocking, so on cancellation Run returns immediately and the
// background reader exits after its current read completes.
func (s *Source) Run(ctx context.Context, out chan<- correlate.Event) error {
	frames := make(chan frame)
	go func() {
		for {
			msg, err := s.r.ReadMessage()
			select {
			case frames <- frame{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			if f.err != nil {
				if errors.Is(f.err, io.EOF) {
					s.logger.Info("event stream closed")
					return nil
				}
				return f.err
			}
			evs, err := events.DecodeBatch(f.msg)
			if err != nil {
				s.reject(err)
			}
			for _, ev := range evs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (s *Source) reject(err error) {
	if !errors.Is(err, events.ErrInvalidMessage) {
		s.logger.Debug("skipping message", "error", err)
		return
	}
	s.metrics.Rejected(sourceLabel)
	s.logger.Warn("invalid event message", "error", err)
}
