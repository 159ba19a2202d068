package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get_query" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	})
	wrapped := HTTPMiddleware(m, handler)

	for _, target := range []string{"/get_corpora", "/get_corpora?x=1", "/get_query", "/nope/123"} {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	tests := []struct {
		route, status string
		want          float64
	}{
		{"/get_corpora", "200", 2},
		{"/get_query", "404", 1},
		{"other", "200", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, tt.route, tt.status))
		if got != tt.want {
			t.Errorf("requests{%s,%s} = %v, want %v", tt.route, tt.status, got, tt.want)
		}
	}

	if v := testutil.ToFloat64(m.HTTPRequestsInFlight); v != 0 {
		t.Errorf("expected in-flight requests to be 0, got %f", v)
	}
}

func TestResponseWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	w.Write([]byte("chunk"))
	w.Flush()
	if !rec.Flushed {
		t.Error("Flush was not forwarded")
	}
}

func TestRecordOperation(t *testing.T) {
	m := New()
	m.RecordOperation("add_queries", time.Millisecond, nil)
	m.RecordOperation("add_queries", time.Millisecond, errors.ConflictError("duplicate", nil))
	m.RecordOperation("add_queries", time.Millisecond, fmt.Errorf("boom"))

	tests := []struct {
		outcome string
		want    float64
	}{
		{"ok", 1},
		{errors.CodeConflict, 1},
		{errors.CodeInternal, 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.StoreOperations.WithLabelValues("add_queries", tt.outcome)); got != tt.want {
			t.Errorf("operations{%s} = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}

func TestCacheAndBusMetrics(t *testing.T) {
	m := New()
	m.RecordCacheHit("memory")
	m.RecordCacheHit("memory")
	m.RecordCacheMiss("memory")
	m.UpdateCacheSize("memory", 7)
	m.RecordBusPublish("corpus.created", time.Millisecond, nil)
	m.RecordBusPublish("corpus.created", 2*time.Second, fmt.Errorf("down"))

	if got := testutil.ToFloat64(m.CacheHits.WithLabelValues("memory")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses.WithLabelValues("memory")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheSize.WithLabelValues("memory")); got != 7 {
		t.Errorf("size = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.BusEventsPublished.WithLabelValues("corpus.created")); got != 2 {
		t.Errorf("published = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BusErrors.WithLabelValues("corpus.created")); got != 1 {
		t.Errorf("bus errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.BusPublishDuration, "qrelscope_bus_publish_duration_seconds"); got != 1 {
		t.Errorf("publish duration series = %d, want 1", got)
	}
	expected := `
# HELP qrelscope_bus_publish_duration_seconds Event bus publish latency in seconds
# TYPE qrelscope_bus_publish_duration_seconds histogram
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.0001"} 0
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.0005"} 0
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.001"} 1
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.005"} 1
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.01"} 1
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.05"} 1
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.1"} 1
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="0.5"} 1
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="1"} 1
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="5"} 2
qrelscope_bus_publish_duration_seconds_bucket{topic="corpus.created",le="+Inf"} 2
qrelscope_bus_publish_duration_seconds_sum{topic="corpus.created"} 2.001
qrelscope_bus_publish_duration_seconds_count{topic="corpus.created"} 2
`
	if err := testutil.CollectAndCompare(m.BusPublishDuration, strings.NewReader(expected)); err != nil {
		t.Errorf("publish duration histogram: %v", err)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordEvaluation(time.Second, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"qrelscope_evaluation_runs_total", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/get_documents", "/get_documents"},
		{"/get_documents/extra", "other"},
		{"/admin", "other"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "200"},
		{409, "409"},
		{302, "3xx"},
		{418, "4xx"},
		{599, "5xx"},
	}
	for _, tt := range tests {
		if got := statusCode(tt.code); got != tt.want {
			t.Errorf("statusCode(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
