// Package samples reads the record files produced by a collection run and
// summarizes them.
package samples

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrMalformedLine is returned for a record line that does not have
	// four well-formed fields.
	ErrMalformedLine = errors.New("malformed record line")

	// ErrInsufficientSamples is returned by Require.
	ErrInsufficientSamples = errors.New("insufficient samples")

	// ErrNoMatch is returned by ReadGlob when the pattern matches no file.
	ErrNoMatch = errors.New("no files match pattern")
)

// Sample is one parsed record line. Timestamps are in milliseconds.
type Sample struct {
	URL           string  `json:"url"`
	ContentLength int64   `json:"contentLength"`
	ResponseStart float64 `json:"responseStart"`
	RequestStart  float64 `json:"requestStart"`
	// Source is the file the sample was read from, if any.
	Source string `json:"source,omitempty"`
}

// Latency is the time from request start to response start.
func (s Sample) Latency() time.Duration {
	return time.Duration((s.ResponseStart - s.RequestStart) * float64(time.Millisecond))
}

// ParseLine parses "url contentLength responseStart requestStart".
func ParseLine(line string) (Sample, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Sample{}, fmt.Errorf("%w: want 4 fields, got %d", ErrMalformedLine, len(fields))
	}
	length, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || length < 0 {
		return Sample{}, fmt.Errorf("%w: content length %q", ErrMalformedLine, fields[1])
	}
	respStart, err := parseTimestamp(fields[2])
	if err != nil {
		return Sample{}, err
	}
	reqStart, err := parseTimestamp(fields[3])
	if err != nil {
		return Sample{}, err
	}
	return Sample{URL: fields[0], ContentLength: length, ResponseStart: respStart, RequestStart: reqStart}, nil
}

func parseTimestamp(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: timestamp %q", ErrMalformedLine, s)
	}
	return v, nil
}

// Read parses every non-blank line from r.
func Read(r io.Reader) ([]Sample, error) {
	var out []Sample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s, err := ParseLine(line)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, s)
	}
	return out, sc.Err()
}

// ReadFile parses a records file.
func ReadFile(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range out {
		out[i].Source = path
	}
	return out, nil
}

// ReadGlob reads every file matching pattern in lexical order. Patterns may
// use ** to match across directories, e.g. "records/**/URLS.txt".
func ReadGlob(pattern string) ([]Sample, error) {
	matches, err := expandGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("expanding glob pattern: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
	}
	sort.Strings(matches)

	var out []Sample
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			continue
		}
		s, err := ReadFile(m)
		if err != nil {
			return nil, err
		}
		out = append(out, s...)
	}
	return out, nil
}

func expandGlob(pattern string) ([]string, error) {
	if strings.Contains(pattern, "**") {
		return doublestar.FilepathGlob(pattern)
	}
	return filepath.Glob(pattern)
}

// SortByResponseStart orders samples by response start time, keeping the
// file order for equal timestamps.
func SortByResponseStart(samples []Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].ResponseStart < samples[j].ResponseStart
	})
}

// Require returns ErrInsufficientSamples when fewer than n samples are
// present.
func Require(samples []Sample, n int) error {
	if len(samples) < n {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(samples), n)
	}
	return nil
}

// Summary aggregates a set of samples.
type Summary struct {
	Count       int           `json:"count"`
	TotalBytes  int64         `json:"totalBytes"`
	MinSize     int64         `json:"minSize"`
	MaxSize     int64         `json:"maxSize"`
	MeanSize    float64       `json:"meanSize"`
	MeanLatency time.Duration `json:"meanLatency"`
	MaxLatency  time.Duration `json:"maxLatency"`
}

// Summarize computes a Summary. The zero Summary is returned for no samples.
func Summarize(samples []Sample) Summary {
	var sum Summary
	if len(samples) == 0 {
		return sum
	}
	sum.Count = len(samples)
	sum.MinSize = samples[0].ContentLength
	var latency time.Duration
	for _, s := range samples {
		sum.TotalBytes += s.ContentLength
		if s.ContentLength < sum.MinSize {
			sum.MinSize = s.ContentLength
		}
		if s.ContentLength > sum.MaxSize {
			sum.MaxSize = s.ContentLength
		}
		l := s.Latency()
		latency += l
		if l > sum.MaxLatency {
			sum.MaxLatency = l
		}
	}
	sum.MeanSize = float64(sum.TotalBytes) / float64(sum.Count)
	sum.MeanLatency = latency / time.Duration(sum.Count)
	return sum
}
