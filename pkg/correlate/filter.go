package correlate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrInvalidFilter is returned when a filter expression cannot be compiled.
var ErrInvalidFilter = errors.New("invalid filter expression")

// Filter decides whether a completed response is reported.
type Filter interface {
	Allow(Record) (bool, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(Record) (bool, error)

// Allow calls f(r).
func (f FilterFunc) Allow(r Record) (bool, error) { return f(r) }

// HostSizeFilter accepts records whose URL contains TargetHost and whose
// content length is strictly greater than MinSize.
type HostSizeFilter struct {
	TargetHost string
	MinSize    int64
}

// Allow implements Filter.
func (f HostSizeFilter) Allow(r Record) (bool, error) {
	return strings.Contains(r.URL, f.TargetHost) && r.ContentLength > f.MinSize, nil
}

// AllFilters accepts a record only if every filter accepts it. Evaluation
// stops at the first rejection or error.
type AllFilters []Filter

// Allow implements Filter.
func (a AllFilters) Allow(r Record) (bool, error) {
	for _, f := range a {
		ok, err := f.Allow(r)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// ExprFilter evaluates a boolean expr-lang expression against each record.
//
// The expression sees:
//
//	url           string   request URL
//	host          string   URL host ("" if unparsable)
//	path          string   URL path
//	contentLength int      declared Content-Length
//	responseStart float    response start timestamp (ms)
//	requestStart  float    request start timestamp (ms)
//	latency       float    responseStart - requestStart (ms)
type ExprFilter struct {
	source  string
	program *vm.Program
}

// NewExprFilter compiles source. The expression must evaluate to a bool.
func NewExprFilter(source string) (*ExprFilter, error) {
	program, err := expr.Compile(source, expr.Env(exprEnv(Record{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, source, err)
	}
	return &ExprFilter{source: source, program: program}, nil
}

// String returns the expression source.
func (f *ExprFilter) String() string { return f.source }

// Allow implements Filter.
func (f *ExprFilter) Allow(r Record) (bool, error) {
	out, err := expr.Run(f.program, exprEnv(r))
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", f.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func exprEnv(r Record) map[string]interface{} {
	var host, path string
	if u, err := url.Parse(r.URL); err == nil {
		host = u.Hostname()
		path = u.Path
	}
	return map[string]interface{}{
		"url":           r.URL,
		"host":          host,
		"path":          path,
		"contentLength": r.ContentLength,
		"responseStart": float64(r.ResponseStartedAt),
		"requestStart":  float64(r.RequestedAt),
		"latency":       float64(r.ResponseStartedAt) - float64(r.RequestedAt),
	}
}

// BuildFilter returns the host/size filter, AND'ed with expression when it
// is non-empty.
func BuildFilter(targetHost string, minSize int64, expression string) (Filter, error) {
	base := HostSizeFilter{TargetHost: targetHost, MinSize: minSize}
	if strings.TrimSpace(expression) == "" {
		return base, nil
	}
	ef, err := NewExprFilter(expression)
	if err != nil {
		return nil, err
	}
	return AllFilters{base, ef}, nil
}
