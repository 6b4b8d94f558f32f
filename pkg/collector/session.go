package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRecordsFile is the records file name inside a session.
	DefaultRecordsFile = "URLS.txt"
	// DefaultReadyMarker is the marker file created when the quota is reached.
	DefaultReadyMarker = "ready"
	// MetaFile holds the session summary.
	MetaFile = "meta.json"
	// LatestLink points at the most recently closed session.
	LatestLink = "latest"

	timestampLayout = "20060102-150405"
)

var (
	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidName is returned by Create for a session, records file, or
	// marker name that is not a plain file name.
	ErrInvalidName = errors.New("name must not contain path separators")
)

// Meta is the content of meta.json.
type Meta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime,omitempty"`
	TargetHost  string `json:"targetHost,omitempty"`
	Quota       int    `json:"quota,omitempty"`
	RecordsFile string `json:"recordsFile"`
	RecordCount int    `json:"recordCount"`
	Ready       bool   `json:"ready"`
}

// SessionOptions configures Create.
type SessionOptions struct {
	BaseDir     string
	Name        string
	RecordsFile string
	ReadyMarker string
	TargetHost  string
	Quota       int
	Now         func() time.Time
}

// Session is an open session directory.
type Session struct {
	dir         string
	baseDir     string
	recordsFile string
	readyMarker string
	now         func() time.Time

	mu     sync.Mutex
	file   *os.File
	meta   Meta
	closed bool
}

// Create makes a new session directory under opts.BaseDir and opens its
// records file.
func Create(opts SessionOptions) (*Session, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("records directory is required")
	}
	name := opts.Name
	if name == "" {
		name = "default"
	}
	recordsFile := opts.RecordsFile
	if recordsFile == "" {
		recordsFile = DefaultRecordsFile
	}
	readyMarker := opts.ReadyMarker
	if readyMarker == "" {
		readyMarker = DefaultReadyMarker
	}
	for _, n := range []string{name, recordsFile, readyMarker} {
		if strings.ContainsAny(n, `/\`) || n == "." || n == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, n)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	start := now()
	dir := filepath.Join(opts.BaseDir, name+"-"+start.Format(timestampLayout))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, recordsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open records file: %w", err)
	}

	s := &Session{
		dir:         dir,
		baseDir:     opts.BaseDir,
		recordsFile: recordsFile,
		readyMarker: readyMarker,
		now:         now,
		file:        f,
		meta: Meta{
			ID:          uuid.NewString(),
			Name:        name,
			StartTime:   start.Format(time.RFC3339),
			TargetHost:  opts.TargetHost,
			Quota:       opts.Quota,
			RecordsFile: recordsFile,
		},
	}
	if err := s.writeMetaLocked(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// RecordsPath returns the path of the records file.
func (s *Session) RecordsPath() string { return filepath.Join(s.dir, s.recordsFile) }

// MarkerPath returns the path of the ready marker.
func (s *Session) MarkerPath() string { return filepath.Join(s.dir, s.readyMarker) }

// Meta returns a copy of the current metadata.
func (s *Session) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Append writes line to the records file and syncs it to disk.
func (s *Session) Append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, err := s.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync records file: %w", err)
	}
	s.meta.RecordCount++
	return nil
}

// MarkReady creates the ready marker and records it in meta.json. Repeated
// calls are harmless.
func (s *Session) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := os.WriteFile(s.MarkerPath(), []byte(s.readyMarker), 0600); err != nil {
		return fmt.Errorf("failed to write ready marker: %w", err)
	}
	s.meta.Ready = true
	return s.writeMetaLocked()
}

// Close finalizes meta.json, closes the records file, and points the
// latest link at this session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.meta.EndTime = s.now().Format(time.RFC3339)
	err := errors.Join(s.writeMetaLocked(), s.file.Close())
	updateLatestLink(s.baseDir, filepath.Base(s.dir))
	return err
}

func (s *Session) writeMetaLocked() error {
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, MetaFile), data, 0600); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	return nil
}

// ReadMeta loads meta.json from a session directory.
func ReadMeta(dir string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid %s in %s: %w", MetaFile, dir, err)
	}
	return m, nil
}

func updateLatestLink(baseDir, sessionDirName string) {
	latest := filepath.Join(baseDir, LatestLink)
	_ = os.Remove(latest)
	if err := os.Symlink(sessionDirName, latest); err != nil {
		// Fall back to a plain file naming the session.
		_ = os.WriteFile(latest, []byte(sessionDirName), 0600)
	}
}
