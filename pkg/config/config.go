package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getmockd/imgtrace/pkg/collector"
	"github.com/getmockd/imgtrace/pkg/correlate"
)

// Event sources.
const (
	SourceNative    = "native"
	SourceWebSocket = "websocket"
)

// Record outputs.
const (
	OutputSession = "session"
	OutputNative  = "native"
	OutputText    = "text"
)

// Defaults.
const (
	DefaultResponseQuota = 30
	DefaultMinImageSize  = 1000
	DefaultListenAddr    = "127.0.0.1:8765"
	DefaultRecordsDir    = "records"
	DefaultSessionName   = "default"
)

// Config is the complete imgtrace configuration.
type Config struct {
	// TargetHost is matched as a substring of each record URL.
	TargetHost string `json:"targetHost" yaml:"targetHost"`
	// ResponseQuota is the number of records to collect.
	ResponseQuota int `json:"responseQuota" yaml:"responseQuota"`
	// MinImageSize is the exclusive lower bound on Content-Length.
	MinImageSize int64 `json:"minImageSize" yaml:"minImageSize"`
	// FilterExpr is an optional expr-lang predicate AND'ed with the
	// host/size check.
	FilterExpr string `json:"filterExpr,omitempty" yaml:"filterExpr,omitempty"`

	PendingTTL    Duration `json:"pendingTTL" yaml:"pendingTTL"`
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval"`

	Source     string `json:"source" yaml:"source"`
	ListenAddr string `json:"listenAddr,omitempty" yaml:"listenAddr,omitempty"`

	Output      string `json:"output" yaml:"output"`
	RecordsDir  string `json:"recordsDir,omitempty" yaml:"recordsDir,omitempty"`
	RecordsFile string `json:"recordsFile,omitempty" yaml:"recordsFile,omitempty"`
	ReadyMarker string `json:"readyMarker,omitempty" yaml:"readyMarker,omitempty"`
	Session     string `json:"session,omitempty" yaml:"session,omitempty"`

	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`

	Log LogConfig `json:"log" yaml:"log"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	// File, if set, receives a JSON copy of every log line. Browsers
	// discard a native messaging host's stderr.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ResponseQuota: DefaultResponseQuota,
		MinImageSize:  DefaultMinImageSize,
		PendingTTL:    Duration(correlate.DefaultPendingTTL),
		SweepInterval: Duration(correlate.DefaultSweepInterval),
		Source:        SourceNative,
		ListenAddr:    DefaultListenAddr,
		Output:        OutputSession,
		RecordsDir:    DefaultRecordsDir,
		RecordsFile:   collector.DefaultRecordsFile,
		ReadyMarker:   collector.DefaultReadyMarker,
		Session:       DefaultSessionName,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// EngineOptions returns the correlate options described by c. The sink,
// logger, and metrics are left for the caller.
func (c *Config) EngineOptions() (correlate.Options, error) {
	filter, err := correlate.BuildFilter(c.TargetHost, c.MinImageSize, c.FilterExpr)
	if err != nil {
		return correlate.Options{}, err
	}
	return correlate.Options{
		TargetHost:    c.TargetHost,
		Quota:         c.ResponseQuota,
		MinImageSize:  c.MinImageSize,
		Filter:        filter,
		PendingTTL:    c.PendingTTL.Duration(),
		SweepInterval: c.SweepInterval.Duration(),
	}, nil
}

// SessionOptions returns the collector options described by c.
func (c *Config) SessionOptions() collector.SessionOptions {
	return collector.SessionOptions{
		BaseDir:     c.RecordsDir,
		Name:        c.Session,
		RecordsFile: c.RecordsFile,
		ReadyMarker: c.ReadyMarker,
		TargetHost:  c.TargetHost,
		Quota:       c.ResponseQuota,
	}
}

// Duration is a time.Duration that marshals as a string.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON marshals the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("invalid duration %s", data)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.parse(s)
}

// MarshalYAML marshals the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or integer milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
