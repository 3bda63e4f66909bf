// Package metrics defines the Prometheus collectors used by the API server,
// the ingest pipeline and the analysis orchestrator, and exposes an HTTP
// handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	IngestRunsTotal    *prometheus.CounterVec
	IngestRecordsTotal *prometheus.CounterVec
	IngestRunDuration  *prometheus.HistogramVec

	AnalysesTotal       *prometheus.CounterVec
	AnalysisDuration    prometheus.Histogram
	AnalysisTokensTotal prometheus.Counter
	BatchStreamsActive  prometheus.Gauge

	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests independent of the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		IngestRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Ingest runs by source and final status.",
			},
			[]string{"source", "status"},
		),
		IngestRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_total",
				Help: "Records processed by source and outcome (inserted, updated, expired, capability, invalid).",
			},
			[]string{"source", "outcome"},
		),
		IngestRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Wall time of ingest runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"source"},
		),
		AnalysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyses_total",
				Help: "Fit analyses by result (success, model_error, not_found, timeout, error, skipped).",
			},
			[]string{"result"},
		),
		AnalysisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "analysis_duration_seconds",
				Help:    "Latency of a single fit analysis including the model call.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
		),
		AnalysisTokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "analysis_tokens_total",
				Help: "Model tokens consumed by fit analyses.",
			},
		),
		BatchStreamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "analysis_batch_streams_active",
				Help: "Batch analysis event streams currently open.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_hits_total",
				Help: "Total number of search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.IngestRunsTotal,
		m.IngestRecordsTotal,
		m.IngestRunDuration,
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.AnalysisTokensTotal,
		m.BatchStreamsActive,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
