// Package metrics exposes Prometheus collectors for the HTTP layer, the
// store, the response cache and the event bus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// Metrics holds all application metrics. Collectors live in their own
// registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests         *prometheus.CounterVec   // labels: method, route, status
	HTTPDuration         *prometheus.HistogramVec // labels: method, route
	HTTPRequestsInFlight prometheus.Gauge

	// Store metrics
	StoreOperations        *prometheus.CounterVec   // labels: operation, outcome
	StoreOperationDuration *prometheus.HistogramVec // labels: operation

	// Cache metrics
	CacheHits   *prometheus.CounterVec // labels: backend
	CacheMisses *prometheus.CounterVec // labels: backend
	CacheSize   *prometheus.GaugeVec   // labels: backend

	// Bus metrics
	BusEventsPublished *prometheus.CounterVec // labels: topic
	BusErrors          *prometheus.CounterVec // labels: topic
	BusPublishDuration *prometheus.HistogramVec // labels: topic

	// Evaluation metrics
	EvaluationRuns     *prometheus.CounterVec // labels: outcome
	EvaluationDuration prometheus.Histogram
}

// New creates a new metrics instance with all collectors registered,
// including the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrelscope_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qrelscope_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qrelscope_http_requests_in_flight",
			Help: "Number of HTTP requests being served",
		}),

		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrelscope_store_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"operation", "outcome"},
		),
		StoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qrelscope_store_operation_duration_seconds",
				Help:    "Store operation latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrelscope_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"backend"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrelscope_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"backend"},
		),
		CacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qrelscope_cache_entries",
				Help: "Number of entries in the response cache",
			},
			[]string{"backend"},
		),

		BusEventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrelscope_bus_events_published_total",
				Help: "Total number of events published on the bus",
			},
			[]string{"topic"},
		),
		BusErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrelscope_bus_errors_total",
				Help: "Total number of failed bus publishes",
			},
			[]string{"topic"},
		),
		BusPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qrelscope_bus_publish_duration_seconds",
				Help:    "Event bus publish latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"topic"},
		),

		EvaluationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrelscope_evaluation_runs_total",
				Help: "Total number of retrieval evaluations",
			},
			[]string{"outcome"},
		),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "qrelscope_evaluation_duration_seconds",
			Help:    "Retrieval evaluation latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation records a store operation.
func (m *Metrics) RecordOperation(op string, duration time.Duration, err error) {
	m.StoreOperations.WithLabelValues(op, outcome(err)).Inc()
	m.StoreOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBusPublish records event bus publish metrics.
func (m *Metrics) RecordBusPublish(topic string, duration time.Duration, err error) {
	m.BusEventsPublished.WithLabelValues(topic).Inc()
	m.BusPublishDuration.WithLabelValues(topic).Observe(duration.Seconds())
	if err != nil {
		m.BusErrors.WithLabelValues(topic).Inc()
	}
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(backend string) {
	m.CacheHits.WithLabelValues(backend).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(backend string) {
	m.CacheMisses.WithLabelValues(backend).Inc()
}

// UpdateCacheSize updates the cache size.
func (m *Metrics) UpdateCacheSize(backend string, size int) {
	m.CacheSize.WithLabelValues(backend).Set(float64(size))
}

// RecordEvaluation records a completed evaluation run.
func (m *Metrics) RecordEvaluation(duration time.Duration, err error) {
	m.EvaluationRuns.WithLabelValues(outcome(err)).Inc()
	m.EvaluationDuration.Observe(duration.Seconds())
}

// RecordHTTP records HTTP request metrics.
// This is called by the HTTP middleware.
func (m *Metrics) RecordHTTP(method, path string, status int, duration time.Duration) {
	route := normalizePath(path)
	m.HTTPRequests.WithLabelValues(method, route, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// outcome labels an error by its application code.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.CodeOf(err); code != "" {
		return code
	}
	return errors.CodeInternal
}
