// Package metrics is a small Prometheus-compatible counter and gauge
// registry rendered in the text exposition format (text/plain;
// version=0.0.4). It has no external dependencies and is safe for
// concurrent use.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// value is one labeled sample cell, a float64 stored as bits for atomic
// access.
type value struct {
	labels map[string]string
	bits   uint64
}

func (v *value) load() float64 { return math.Float64frombits(atomic.LoadUint64(&v.bits)) }

func (v *value) store(f float64) { atomic.StoreUint64(&v.bits, math.Float64bits(f)) }

func (v *value) add(delta float64) {
	for {
		old := atomic.LoadUint64(&v.bits)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(&v.bits, old, math.Float64bits(next)) {
			return
		}
	}
}

// metric is a named family of labeled cells.
type metric struct {
	name       string
	help       string
	kind       string
	labelNames []string

	mu    sync.Mutex
	cells map[string]*value
}

// cell returns the sample cell for the given label values, creating it on
// first use. Panics on a label arity mismatch, which is a programming error.
func (m *metric) cell(labelValues ...string) *value {
	if len(labelValues) != len(m.labelNames) {
		panic(fmt.Sprintf("metric %s: expected %d label values, got %d", m.name, len(m.labelNames), len(labelValues)))
	}
	key := strings.Join(labelValues, "\x00")

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cells[key]
	if !ok {
		labels := make(map[string]string, len(m.labelNames))
		for i, n := range m.labelNames {
			labels[n] = labelValues[i]
		}
		v = &value{labels: labels}
		m.cells[key] = v
	}
	return v
}

func (m *metric) samples() []*value {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*value, 0, len(m.cells))
	for _, v := range m.cells {
		out = append(out, v)
	}
	return out
}

// Counter is a monotonically increasing metric family.
type Counter struct{ m *metric }

// Inc increments the cell for the given label values by 1.
func (c *Counter) Inc(labelValues ...string) { c.Add(1, labelValues...) }

// Add increases the cell for the given label values. Negative deltas are
// ignored; counters never go down.
func (c *Counter) Add(delta float64, labelValues ...string) {
	if delta < 0 {
		return
	}
	c.m.cell(labelValues...).add(delta)
}

// Gauge is a metric family whose cells move in both directions.
type Gauge struct{ m *metric }

// Set stores the cell's value.
func (g *Gauge) Set(v float64, labelValues ...string) { g.m.cell(labelValues...).store(v) }

// Add shifts the cell's value.
func (g *Gauge) Add(delta float64, labelValues ...string) { g.m.cell(labelValues...).add(delta) }

// Inc increments the cell by 1.
func (g *Gauge) Inc(labelValues ...string) { g.Add(1, labelValues...) }

// Dec decrements the cell by 1.
func (g *Gauge) Dec(labelValues ...string) { g.Add(-1, labelValues...) }

// Registry holds metric families and renders them for scraping.
type Registry struct {
	mu      sync.Mutex
	metrics []*metric
	names   map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter registers a counter family. Duplicate names panic since they
// would produce invalid exposition output.
func (r *Registry) NewCounter(name, help string, labelNames ...string) *Counter {
	return &Counter{m: r.register(name, help, "counter", labelNames)}
}

// NewGauge registers a gauge family.
func (r *Registry) NewGauge(name, help string, labelNames ...string) *Gauge {
	return &Gauge{m: r.register(name, help, "gauge", labelNames)}
}

func (r *Registry) register(name, help, kind string, labelNames []string) *metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[name]; dup {
		panic("metrics: duplicate metric name " + name)
	}
	m := &metric{
		name:       name,
		help:       help,
		kind:       kind,
		labelNames: labelNames,
		cells:      make(map[string]*value),
	}
	r.names[name] = struct{}{}
	r.metrics = append(r.metrics, m)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r.mu.Lock()
		metrics := make([]*metric, len(r.metrics))
		copy(metrics, r.metrics)
		r.mu.Unlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, m := range metrics {
			samples := m.samples()
			if len(samples) == 0 {
				continue
			}
			fmt.Fprintf(w, "# HELP %s %s\n", m.name, escape(m.help, false))
			fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
			for _, s := range samples {
				if len(s.labels) == 0 {
					fmt.Fprintf(w, "%s %s\n", m.name, formatFloat(s.load()))
					continue
				}
				fmt.Fprintf(w, "%s{%s} %s\n", m.name, formatLabels(s.labels), formatFloat(s.load()))
			}
		}
	})
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, escape(labels[k], true))
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	s := fmt.Sprintf("%g", v)
	if v == float64(int64(v)) && !strings.ContainsAny(s, ".e") {
		return fmt.Sprintf("%.0f", v)
	}
	return s
}

func escape(s string, quoted bool) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	if quoted {
		s = strings.ReplaceAll(s, "\"", "\\\"")
	}
	return strings.ReplaceAll(s, "\n", "\\n")
}
