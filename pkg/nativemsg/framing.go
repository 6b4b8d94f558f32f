package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxIncoming is the largest message accepted from the peer.
	MaxIncoming = 64 << 20
	// MaxOutgoing is the largest message a browser accepts from a host.
	MaxOutgoing = 1 << 20
)

var (
	// ErrMessageTooLarge is returned for frames exceeding the size limits.
	ErrMessageTooLarge = errors.New("native message too large")

	// ErrNotString is returned by ReadString when a complete frame does not
	// hold a JSON string. The stream remains usable.
	ErrNotString = errors.New("native message is not a string")
)

// Reader reads length-prefixed messages.
type Reader struct {
	r   io.Reader
	max int
	hdr [4]byte
}

// NewReader returns a Reader on r that accepts messages up to MaxIncoming.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, max: MaxIncoming}
}

// SetLimit overrides the maximum message size.
func (r *Reader) SetLimit(n int) {
	if n > 0 {
		r.max = n
	}
}

// ReadMessage returns the next message body. It returns io.EOF when the
// stream ends cleanly between messages and io.ErrUnexpectedEOF when it ends
// inside one.
func (r *Reader) ReadMessage() (json.RawMessage, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.NativeEndian.Uint32(r.hdr[:])
	if uint64(n) > uint64(r.max) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, n, r.max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return json.RawMessage(buf), nil
}

// ReadString reads a message whose body is a JSON string.
func (r *Reader) ReadString() (string, error) {
	msg, err := r.ReadMessage()
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotString, err)
	}
	return s, nil
}

// Writer writes length-prefixed messages. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

// NewWriter returns a Writer on w that rejects messages over MaxOutgoing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, max: MaxOutgoing}
}

// WriteMessage encodes v as JSON and writes it as one frame.
func (w *Writer) WriteMessage(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode native message: %w", err)
	}
	return w.WriteRaw(body)
}

// WriteRaw writes body, which must already be JSON, as one frame.
func (w *Writer) WriteRaw(body []byte) error {
	if len(body) > w.max {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, len(body), w.max)
	}
	frame := make([]byte, 4+len(body))
	binary.NativeEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(frame)
	return err
}
