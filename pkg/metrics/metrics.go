package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrLabelCountMismatch is returned when the number of label values doesn't match the defined labels.
var ErrLabelCountMismatch = errors.New("label count mismatch")

// ErrNegativeCounterValue is returned when attempting to add a negative value to a counter.
var ErrNegativeCounterValue = errors.New("counter cannot be decreased")

// ErrDuplicateMetric is returned when registering a metric with a name that is already registered.
var ErrDuplicateMetric = errors.New("duplicate metric name")

// atomicFloat64 stores a float64 as its bit pattern for lock-free updates.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Load() float64 { return math.Float64frombits(a.bits.Load()) }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }

func (a *atomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is the interface implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	// Collect returns all samples for exposition.
	Collect() []Sample
}

// Sample represents a single metric sample with labels.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// series is the label-set bookkeeping shared by every metric type.
type series[T any] struct {
	name       string
	help       string
	labelNames []string

	mu     sync.RWMutex
	values map[string]*T
	labels map[string]map[string]string
	create func() *T
}

func (s *series[T]) init(name, help string, labelNames []string, create func() *T) {
	s.name = name
	s.help = help
	s.labelNames = labelNames
	s.values = make(map[string]*T)
	s.labels = make(map[string]map[string]string)
	s.create = create
}

func newFloat() *atomicFloat64 { return &atomicFloat64{} }

func (s *series[T]) Name() string { return s.name }

func (s *series[T]) Help() string { return s.help }

func (s *series[T]) get(kind string, values []string) (*T, error) {
	if len(values) != len(s.labelNames) {
		return nil, fmt.Errorf("%w: %s %s expected %d labels, got %d",
			ErrLabelCountMismatch, kind, s.name, len(s.labelNames), len(values))
	}
	key := strings.Join(values, "\x00")

	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok = s.values[key]; ok {
		return v, nil
	}
	labels := make(map[string]string, len(values))
	for i, n := range s.labelNames {
		labels[n] = values[i]
	}
	v = s.create()
	s.values[key] = v
	s.labels[key] = labels
	return v, nil
}

func (s *series[T]) lookup(values []string) (*T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[strings.Join(values, "\x00")]
	return v, ok
}

func (s *series[T]) each(fn func(labels map[string]string, v *T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(s.labels[k], s.values[k])
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	series[atomicFloat64]
}

func newCounter(name, help string, labelNames []string) *Counter {
	c := &Counter{}
	c.init(name, help, labelNames, newFloat)
	return c
}

// Type returns the metric type.
func (c *Counter) Type() MetricType { return MetricTypeCounter }

// WithLabels returns the child counter for the given label values.
func (c *Counter) WithLabels(values ...string) (*CounterVec, error) {
	v, err := c.get("counter", values)
	if err != nil {
		return nil, err
	}
	return &CounterVec{v: v}, nil
}

// Inc increments an unlabelled counter by 1.
func (c *Counter) Inc() error { return c.Add(1) }

// Add adds delta to an unlabelled counter.
func (c *Counter) Add(delta float64) error {
	vec, err := c.WithLabels()
	if err != nil {
		return err
	}
	return vec.Add(delta)
}

// Value returns the current value for the given label values, or 0.
func (c *Counter) Value(values ...string) float64 {
	v, ok := c.lookup(values)
	if !ok {
		return 0
	}
	return v.Load()
}

// Collect returns all metric samples.
func (c *Counter) Collect() []Sample {
	var samples []Sample
	c.each(func(labels map[string]string, v *atomicFloat64) {
		samples = append(samples, Sample{Name: c.name, Labels: labels, Value: v.Load()})
	})
	return samples
}

// CounterVec is a counter bound to one label combination.
type CounterVec struct {
	v *atomicFloat64
}

// Inc increments the counter by 1.
func (v *CounterVec) Inc() error { return v.Add(1) }

// Add adds delta to the counter. Negative deltas are rejected.
func (v *CounterVec) Add(delta float64) error {
	if delta < 0 {
		return ErrNegativeCounterValue
	}
	v.v.Add(delta)
	return nil
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	series[atomicFloat64]
}

func newGauge(name, help string, labelNames []string) *Gauge {
	g := &Gauge{}
	g.init(name, help, labelNames, newFloat)
	return g
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return MetricTypeGauge }

// WithLabels returns the child gauge for the given label values.
func (g *Gauge) WithLabels(values ...string) (*GaugeVec, error) {
	v, err := g.get("gauge", values)
	if err != nil {
		return nil, err
	}
	return &GaugeVec{v: v}, nil
}

// Set sets an unlabelled gauge.
func (g *Gauge) Set(value float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Set(value)
	return nil
}

// Value returns the current value for the given label values, or 0.
func (g *Gauge) Value(values ...string) float64 {
	v, ok := g.lookup(values)
	if !ok {
		return 0
	}
	return v.Load()
}

// Collect returns all metric samples.
func (g *Gauge) Collect() []Sample {
	var samples []Sample
	g.each(func(labels map[string]string, v *atomicFloat64) {
		samples = append(samples, Sample{Name: g.name, Labels: labels, Value: v.Load()})
	})
	return samples
}

// GaugeVec is a gauge bound to one label combination.
type GaugeVec struct {
	v *atomicFloat64
}

// Set sets the gauge to value.
func (v *GaugeVec) Set(value float64) { v.v.Store(value) }

// Inc increments the gauge by 1.
func (v *GaugeVec) Inc() { v.v.Add(1) }

// Dec decrements the gauge by 1.
func (v *GaugeVec) Dec() { v.v.Add(-1) }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	series[histogramValue]
	buckets []float64
}

type histogramValue struct {
	counts []atomic.Uint64
	sum    atomicFloat64
	count  atomic.Uint64
}

func newHistogram(name, help string, buckets []float64, labelNames []string) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	if len(sorted) == 0 || !math.IsInf(sorted[len(sorted)-1], 1) {
		sorted = append(sorted, math.Inf(1))
	}
	h := &Histogram{buckets: sorted}
	h.init(name, help, labelNames, func() *histogramValue {
		return &histogramValue{counts: make([]atomic.Uint64, len(sorted))}
	})
	return h
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType { return MetricTypeHistogram }

// Observe records value in an unlabelled histogram.
func (h *Histogram) Observe(value float64) error {
	hv, err := h.get("histogram", nil)
	if err != nil {
		return err
	}
	for i, bound := range h.buckets {
		if value <= bound {
			hv.counts[i].Add(1)
			break
		}
	}
	hv.sum.Add(value)
	hv.count.Add(1)
	return nil
}

// Collect returns bucket, sum and count samples.
func (h *Histogram) Collect() []Sample {
	var samples []Sample
	h.each(func(labels map[string]string, hv *histogramValue) {
		var cumulative uint64
		for i, bound := range h.buckets {
			cumulative += hv.counts[i].Load()
			bl := make(map[string]string, len(labels)+1)
			for k, v := range labels {
				bl[k] = v
			}
			bl["le"] = formatFloat(bound)
			samples = append(samples, Sample{Name: h.name + "_bucket", Labels: bl, Value: float64(cumulative)})
		}
		samples = append(samples,
			Sample{Name: h.name + "_sum", Labels: labels, Value: hv.sum.Load()},
			Sample{Name: h.name + "_count", Labels: labels, Value: float64(hv.count.Load())},
		)
	})
	return samples
}

// LatencyBuckets are histogram bounds in seconds for request-to-response latency.
var LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
