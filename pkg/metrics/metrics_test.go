package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, rec.Header().Get("Content-Type"), "version=0.0.4")
	return string(body)
}

func TestCounter(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("requests_total", "Total requests", "server", "status")

	c.Inc("abc", "ok")
	c.Inc("abc", "ok")
	c.Add(3, "abc", "error")
	c.Add(-1, "abc", "ok") // ignored

	out := scrape(t, r)
	assert.Contains(t, out, "# HELP requests_total Total requests")
	assert.Contains(t, out, "# TYPE requests_total counter")
	assert.Contains(t, out, `requests_total{server="abc",status="ok"} 2`)
	assert.Contains(t, out, `requests_total{server="abc",status="error"} 3`)
}

func TestGauge(t *testing.T) {
	r := NewRegistry()
	g := r.NewGauge("in_flight", "In-flight calls")

	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()

	out := scrape(t, r)
	assert.Contains(t, out, "# TYPE in_flight gauge")
	assert.Contains(t, out, "in_flight 4\n")
}

func TestUnusedMetricNotRendered(t *testing.T) {
	r := NewRegistry()
	r.NewCounter("never_touched_total", "Never touched")

	out := scrape(t, r)
	assert.NotContains(t, out, "never_touched_total")
}

func TestDuplicateNamePanics(t *testing.T) {
	r := NewRegistry()
	r.NewCounter("dup_total", "First")
	assert.Panics(t, func() { r.NewCounter("dup_total", "Second") })
}

func TestLabelArityPanics(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("labeled_total", "Labeled", "server")
	assert.Panics(t, func() { c.Inc("a", "b") })
}

func TestLabelValueEscaping(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("odd_total", "Odd labels", "name")
	c.Inc(`quo"te`)

	out := scrape(t, r)
	assert.Contains(t, out, `odd_total{name="quo\"te"} 1`)
}

func TestConcurrentUpdates(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("spins_total", "Spins", "server")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc("x")
			}
		}()
	}
	wg.Wait()

	assert.Contains(t, scrape(t, r), `spins_total{server="x"} 1000`)
}

func TestInitIdempotent(t *testing.T) {
	first := Init()
	second := Init()
	assert.Same(t, first, second)
	require.NotNil(t, RestartsTotal)
	RestartsTotal.Inc("abc")
}
