package collector

import "github.com/getmockd/imgtrace/pkg/correlate"

// Writer is a correlate.Sink that persists records to a Session.
type Writer struct {
	s *Session
}

// NewWriter returns a Writer for s.
func NewWriter(s *Session) *Writer {
	return &Writer{s: s}
}

// EmitRecord appends the formatted record line.
func (w *Writer) EmitRecord(r correlate.Record) error {
	return w.s.Append(correlate.FormatRecord(r))
}

// EmitReady creates the ready marker.
func (w *Writer) EmitReady() error {
	return w.s.MarkReady()
}
