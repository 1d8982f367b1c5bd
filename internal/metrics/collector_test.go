package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_ReturnsSameSeries(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "help", Labels("k", "v"))
	b := r.Counter("x_total", "help", Labels("k", "v"))
	if a != b {
		t.Fatal("expected the same counter for identical name and labels")
	}
	if r.Counter("x_total", "help", Labels("k", "w")) == a {
		t.Fatal("different labels must be a different series")
	}
}

func TestRegistry_Render(t *testing.T) {
	r := NewRegistry()
	r.Counter("turns_total", "Turns", Labels("category", "mention")).Add(3)
	r.Counter("turns_total", "Turns", Labels("category", "auto")).Inc()
	g := r.Gauge("active", "Active", "")
	g.Inc()
	g.Inc()
	g.Dec()
	h := r.Histogram("latency_seconds", "Latency", "", []float64{1, 0.5})
	h.Observe(0.7)

	out := r.Render()
	for _, want := range []string{
		`turns_total{category="mention"} 3`,
		`turns_total{category="auto"} 1`,
		"active 1",
		`latency_seconds_bucket{le="0.5"} 0`,
		`latency_seconds_bucket{le="1"} 1`,
		`latency_seconds_bucket{le="+Inf"} 1`,
		"latency_seconds_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE turns_total counter") != 1 {
		t.Error("help header must be written once per metric name")
	}
	if strings.Index(out, `category="auto"`) > strings.Index(out, `category="mention"`) {
		t.Error("series should be sorted")
	}
}

func TestLabels_Escapes(t *testing.T) {
	if got := Labels("a", `x"y`, "b"); got != `a="x\"y"` {
		t.Errorf("got %s", got)
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Counter("hits_total", "Hits", "").Inc()
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestPredefined(t *testing.T) {
	before := RenderOutcome("direct").Value()
	RenderOutcome("direct").Inc()
	if RenderOutcome("direct").Value() != before+1 {
		t.Fatal("labelled helper should resolve to one series")
	}
}
