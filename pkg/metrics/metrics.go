// Package metrics defines the Prometheus collectors used by the builder and
// the searcher and the scrape server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	PagesTotal        *prometheus.CounterVec
	DocumentsWritten  prometheus.Counter
	DocumentBytes     prometheus.Counter
	StorageRetries    prometheus.Counter
	RangesCompleted   prometheus.Counter
	IndexSpillsTotal  prometheus.Counter
	IndexEntries      prometheus.Gauge
	IndexMergeSeconds prometheus.Histogram

	LookupsTotal        *prometheus.CounterVec
	LookupLatency       *prometheus.HistogramVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	IndexReloadsTotal   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikidex_pages_total",
				Help: "Pages seen by the builder by outcome (written, namespace, redirect, malformed, unsupported).",
			},
			[]string{"outcome"},
		),
		DocumentsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wikidex_documents_written_total",
				Help: "Documents renamed into place in the shard tree.",
			},
		),
		DocumentBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wikidex_document_bytes_total",
				Help: "Bytes of normalized text written to the shard tree.",
			},
		),
		StorageRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wikidex_storage_retries_total",
				Help: "Transient document write failures that were retried.",
			},
		),
		RangesCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wikidex_ranges_completed_total",
				Help: "Archive ranges fully processed and checkpointed.",
			},
		),
		IndexSpillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wikidex_index_spills_total",
				Help: "Sorted runs spilled by the title index builder.",
			},
		),
		IndexEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wikidex_index_entries",
				Help: "Entries in the most recently finalized or loaded title index.",
			},
		),
		IndexMergeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wikidex_index_merge_seconds",
				Help:    "Duration of the external merge at finalize.",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
		),
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikidex_lookups_total",
				Help: "Query interface calls by kind (exact, prefix) and result (hit, miss, error).",
			},
			[]string{"kind", "result"},
		),
		LookupLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wikidex_lookup_latency_seconds",
				Help:    "Query interface latency in seconds.",
				Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"kind"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of lookup cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of lookup cache misses.",
			},
		),
		IndexReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikidex_index_reloads_total",
				Help: "Title index reloads in the searcher by trigger and status.",
			},
			[]string{"trigger", "status"},
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
		m.PagesTotal,
		m.DocumentsWritten,
		m.DocumentBytes,
		m.StorageRetries,
		m.RangesCompleted,
		m.IndexSpillsTotal,
		m.IndexEntries,
		m.IndexMergeSeconds,
		m.LookupsTotal,
		m.LookupLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.IndexReloadsTotal,
		m.CircuitBreakerState,
	)

	return m
}
