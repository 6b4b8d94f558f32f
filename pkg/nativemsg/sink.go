package nativemsg

import "github.com/getmockd/imgtrace/pkg/correlate"

// Sink forwards engine output as native messages, one JSON string per
// record line and one for the ready signal. This is the format the
// collector host consumes.
type Sink struct {
	w *Writer
}

// NewSink returns a Sink writing to w.
func NewSink(w *Writer) *Sink {
	return &Sink{w: w}
}

// EmitRecord implements correlate.Sink.
func (s *Sink) EmitRecord(r correlate.Record) error {
	return s.w.WriteMessage(correlate.FormatRecord(r))
}

// EmitReady implements correlate.Sink.
func (s *Sink) EmitReady() error {
	return s.w.WriteMessage(correlate.ReadySignal)
}
