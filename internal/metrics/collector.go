// Package metrics is a small Prometheus-compatible registry. It renders the
// text exposition format directly instead of pulling in client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry used by the predefined metrics.
var Default = NewRegistry()

// Registry holds counters, gauges and histograms keyed by name and labels.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	started    time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		started:    time.Now(),
	}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

type series struct {
	name   string
	help   string
	labels string
}

func (s series) key() string { return s.name + "{" + s.labels + "}" }

// Counter is a monotonically increasing value.
type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution over fixed upper bounds.
type Histogram struct {
	series
	mu     sync.Mutex
	count  int64
	sum    float64
	bounds []float64
	counts []int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Labels formats key/value pairs as a Prometheus label set. Values are
// quoted; an odd trailing key is ignored.
func Labels(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(kv[i+1])
		parts = append(parts, fmt.Sprintf(`%s="%s"`, kv[i], v))
	}
	return strings.Join(parts, ",")
}

// Counter returns the counter for name and labels, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	s := series{name, help, labels}
	r.mu.RLock()
	c, ok := r.counters[s.key()]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[s.key()]; ok {
		return c
	}
	c = &Counter{series: s}
	r.counters[s.key()] = c
	return c
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	s := series{name, help, labels}
	r.mu.RLock()
	g, ok := r.gauges[s.key()]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[s.key()]; ok {
		return g
	}
	g = &Gauge{series: s}
	r.gauges[s.key()] = g
	return g
}

// Histogram returns the histogram for name and labels, creating it with the
// given bounds on first use.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	s := series{name, help, labels}
	r.mu.RLock()
	h, ok := r.histograms[s.key()]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[s.key()]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	if len(b) == 0 || !math.IsInf(b[len(b)-1], 1) {
		b = append(b, math.Inf(1))
	}
	h = &Histogram{series: s, bounds: b, counts: make([]int64, len(b))}
	r.histograms[s.key()] = h
	return h
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

// Render returns the exposition text, sorted by series.
func (r *Registry) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP relaybot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE relaybot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "relaybot_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	defer r.mu.RUnlock()

	written := make(map[string]bool)
	header := func(s series, kind string) {
		if written[s.name] {
			return
		}
		written[s.name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, kind)
	}

	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		header(c.series, "counter")
		fmt.Fprintf(&sb, "%s %d\n", sample(c.name, c.labels), c.Value())
	}
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		header(g.series, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", sample(g.name, g.labels), g.Value())
	}
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		header(h.series, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			labels := Labels("le", bound)
			if h.labels != "" {
				labels = h.labels + "," + labels
			}
			fmt.Fprintf(&sb, "%s %d\n", sample(h.name+"_bucket", labels), h.counts[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", sample(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", sample(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}
	return sb.String()
}

func sample(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
