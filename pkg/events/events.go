package events

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/getmockd/imgtrace/pkg/correlate"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "event.json"

// Decoding errors.
var (
	ErrInvalidMessage = errors.New("invalid event message")
	ErrUnknownType    = errors.New("unknown event type")
)

// SchemaError lists the schema violations of a rejected message.
type SchemaError struct {
	Problems []Problem
}

// Problem is a single schema violation.
type Problem struct {
	// Field is the dotted path of the offending value, empty for the root.
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Field == "" {
			parts = append(parts, p.Message)
			continue
		}
		parts = append(parts, p.Field+": "+p.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidMessage, strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrInvalidMessage }

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to add event schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Schema returns the embedded JSON Schema document.
func Schema() string { return schemaJSON }

type wireHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type wireEvent struct {
	Type            string          `json:"type"`
	Method          string          `json:"method"`
	URL             string          `json:"url"`
	RequestID       json.RawMessage `json:"requestId"`
	TimeStamp       float64         `json:"timeStamp"`
	ResponseHeaders []wireHeader    `json:"responseHeaders"`
}

// Decode validates and decodes a single event message.
func Decode(data []byte) (correlate.Event, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: message is not an object", ErrInvalidMessage)
	}
	// Unknown types are reported separately so sources can skip them quietly.
	if t, ok := obj["type"].(string); ok && !knownType(t) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := validate(doc); err != nil {
		return nil, err
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	id, err := parseRequestID(w.RequestID)
	if err != nil {
		return nil, err
	}

	switch w.Type {
	case correlate.TypeRequestStarted:
		return correlate.RequestStarted{
			Method:    w.Method,
			URL:       w.URL,
			ID:        id,
			Timestamp: correlate.Timestamp(w.TimeStamp),
		}, nil
	case correlate.TypeResponseStarted:
		headers := make([]correlate.Header, len(w.ResponseHeaders))
		for i, h := range w.ResponseHeaders {
			headers[i] = correlate.Header{Name: h.Name, Value: h.Value}
		}
		return correlate.ResponseStarted{
			ID:        id,
			URL:       w.URL,
			Headers:   headers,
			Timestamp: correlate.Timestamp(w.TimeStamp),
		}, nil
	default:
		return correlate.ResponseCompleted{ID: id}, nil
	}
}

// DecodeBatch decodes data holding either one message or a JSON array of
// messages. Bad elements are skipped: every decodable event is returned,
// along with the element errors joined together. Use errors.Is with
// ErrInvalidMessage to tell malformed input from unknown event types.
func DecodeBatch(data []byte) ([]correlate.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		ev, err := Decode(trimmed)
		if err != nil {
			return nil, err
		}
		return []correlate.Event{ev}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	out := make([]correlate.Event, 0, len(raw))
	var errs []error
	for i, msg := range raw {
		ev, err := Decode(msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("element %d: %w", i, err))
			continue
		}
		out = append(out, ev)
	}
	return out, errors.Join(errs...)
}

// Encode renders ev in the wire format accepted by Decode.
func Encode(ev correlate.Event) ([]byte, error) {
	w := map[string]interface{}{
		"type":      ev.Type(),
		"requestId": string(ev.CorrelationID()),
	}
	switch ev := ev.(type) {
	case correlate.RequestStarted:
		w["method"] = ev.Method
		w["url"] = ev.URL
		w["timeStamp"] = float64(ev.Timestamp)
	case correlate.ResponseStarted:
		headers := make([]wireHeader, len(ev.Headers))
		for i, h := range ev.Headers {
			headers[i] = wireHeader{Name: h.Name, Value: h.Value}
		}
		w["responseHeaders"] = headers
		w["timeStamp"] = float64(ev.Timestamp)
		if ev.URL != "" {
			w["url"] = ev.URL
		}
	case correlate.ResponseCompleted:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
	return json.Marshal(w)
}

func knownType(t string) bool {
	switch t {
	case correlate.TypeRequestStarted, correlate.TypeResponseStarted, correlate.TypeResponseCompleted:
		return true
	}
	return false
}

func validate(doc interface{}) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	err = s.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	se := &SchemaError{}
	collectProblems(verr, se)
	return se
}

func collectProblems(err *jsonschema.ValidationError, se *SchemaError) {
	if len(err.Causes) == 0 {
		se.Problems = append(se.Problems, Problem{
			Field:   fieldFromPointer(err.InstanceLocation),
			Message: err.Message,
		})
		return
	}
	for _, cause := range err.Causes {
		collectProblems(cause, se)
	}
}

func fieldFromPointer(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	return strings.ReplaceAll(ptr, "/", ".")
}

// parseRequestID accepts a JSON string or integer identifier.
func parseRequestID(raw json.RawMessage) (correlate.CorrelationID, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return correlate.CorrelationID(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return correlate.CorrelationID(n.String()), nil
	}
	return "", fmt.Errorf("%w: requestId must be a string or integer", ErrInvalidMessage)
}
