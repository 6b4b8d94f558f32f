package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/getmockd/imgtrace/pkg/correlate"
	"github.com/getmockd/imgtrace/pkg/logging"
)

// validLogLevels are the accepted log.level values. Empty means info.
var validLogLevels = map[string]bool{
	"":        true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validLogFormats = map[string]bool{
	"":                         true,
	string(logging.FormatText): true,
	string(logging.FormatJSON): true,
}

// ErrInvalid is wrapped by every ValidationError.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks c and returns the first problem found. An empty
// targetHost is valid and matches every URL; serve logs a warning for it.
func (c *Config) Validate() error {
	if c.ResponseQuota <= 0 {
		return invalid("responseQuota", "must be greater than zero, got %d", c.ResponseQuota)
	}
	if c.MinImageSize < 0 {
		return invalid("minImageSize", "must not be negative, got %d", c.MinImageSize)
	}
	if c.FilterExpr != "" {
		if _, err := correlate.NewExprFilter(c.FilterExpr); err != nil {
			return invalid("filterExpr", "%v", err)
		}
	}
	if c.PendingTTL < 0 {
		return invalid("pendingTTL", "must not be negative")
	}
	if c.SweepInterval < 0 {
		return invalid("sweepInterval", "must not be negative")
	}

	switch c.Source {
	case SourceNative:
	case SourceWebSocket:
		if err := validateAddr("listenAddr", c.ListenAddr); err != nil {
			return err
		}
	default:
		return invalid("source", "must be %q or %q, got %q", SourceNative, SourceWebSocket, c.Source)
	}

	switch c.Output {
	case OutputSession:
		if c.RecordsDir == "" {
			return invalid("recordsDir", "required when output is %q", OutputSession)
		}
		for field, name := range map[string]string{
			"session":     c.Session,
			"recordsFile": c.RecordsFile,
			"readyMarker": c.ReadyMarker,
		} {
			if err := validateFileName(field, name); err != nil {
				return err
			}
		}
	case OutputNative, OutputText:
		// Native messaging owns stdout when it is also the event source.
		if c.Source == SourceNative && c.Output == OutputText {
			return invalid("output", "%q cannot be combined with the native source", OutputText)
		}
	default:
		return invalid("output", "must be %q, %q or %q, got %q", OutputSession, OutputNative, OutputText, c.Output)
	}

	if c.MetricsAddr != "" {
		if err := validateAddr("metricsAddr", c.MetricsAddr); err != nil {
			return err
		}
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return invalid("log.level", "unknown level %q", c.Log.Level)
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		return invalid("log.format", "must be %q or %q, got %q", logging.FormatText, logging.FormatJSON, c.Log.Format)
	}
	return nil
}

// validateFileName rejects names that would place session files outside
// the session directory. Empty names select the defaults.
func validateFileName(field, name string) error {
	if name == "" {
		return nil
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return invalid(field, "must be a plain file name, got %q", name)
	}
	return nil
}

func validateAddr(field, addr string) error {
	if addr == "" {
		return invalid(field, "is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return invalid(field, "%v", err)
	}
	return nil
}
