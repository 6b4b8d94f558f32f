package correlate

import (
	"io"
	"strconv"
	"strings"
	"sync"
)

// ReadySignal is written once when the quota has been reached.
const ReadySignal = "*READY*\n"

// Sink receives emitted records and the ready signal. The engine calls a
// Sink with its lock held, so records arrive in emission order and the
// ready signal always follows the record that reached the quota.
// Implementations must not call back into the engine.
type Sink interface {
	EmitRecord(Record) error
	EmitReady() error
}

// FormatRecord renders r as one newline-terminated, space-separated line:
//
//	url contentLength responseStartTimestamp requestTimestamp
func FormatRecord(r Record) string {
	var b strings.Builder
	b.Grow(len(r.URL) + 48)
	b.WriteString(r.URL)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(r.ContentLength, 10))
	b.WriteByte(' ')
	b.WriteString(r.ResponseStartedAt.String())
	b.WriteByte(' ')
	b.WriteString(r.RequestedAt.String())
	b.WriteByte('\n')
	return b.String()
}

// LineSink writes records and the ready signal as plain text lines.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink returns a LineSink writing to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// EmitRecord writes FormatRecord(r).
func (s *LineSink) EmitRecord(r Record) error {
	return s.write(FormatRecord(r))
}

// EmitReady writes ReadySignal.
func (s *LineSink) EmitReady() error {
	return s.write(ReadySignal)
}

func (s *LineSink) write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line)
	return err
}

// MultiSink fans out to several sinks in order, stopping at the first error.
type MultiSink []Sink

// EmitRecord forwards r to every sink.
func (m MultiSink) EmitRecord(r Record) error {
	for _, s := range m {
		if err := s.EmitRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// EmitReady forwards the ready signal to every sink.
func (m MultiSink) EmitReady() error {
	for _, s := range m {
		if err := s.EmitReady(); err != nil {
			return err
		}
	}
	return nil
}
