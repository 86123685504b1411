// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestPagesTotal           *prometheus.CounterVec
	ingestBytesTotal           prometheus.Counter
	ingestActiveWorkers        prometheus.Gauge
	fetchDurationSeconds       *prometheus.HistogramVec
	headlessPromotionsTotal    prometheus.Counter
	retrievalAnswersTotal      *prometheus.CounterVec
	retrievalLatencySeconds    *prometheus.HistogramVec
	agentStepsTotal            *prometheus.CounterVec
	agentRunsTotal             *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	liveCrawlPagesTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partassist_ingest_pages_total",
				Help: "Total number of pages processed by ingestion, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		ingestBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "partassist_ingest_bytes_total",
				Help: "Total number of page bytes fetched during ingestion.",
			},
		)

		ingestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "partassist_ingest_active_workers",
				Help: "Number of ingestion workers currently processing a page.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partassist_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by transport.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"transport"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "partassist_headless_promotions_total",
				Help: "Total fetches promoted from probe to headless rendering.",
			},
		)

		retrievalAnswersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partassist_retrieval_answers_total",
				Help: "Total retrieval answers, labeled by source tier.",
			},
			[]string{"source"},
		)

		retrievalLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partassist_retrieval_latency_seconds",
				Help:    "Histogram of retrieval ladder latencies, labeled by source tier.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 15, 60},
			},
			[]string{"source"},
		)

		agentStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partassist_agent_steps_total",
				Help: "Total agent loop steps, labeled by tool.",
			},
			[]string{"tool"},
		)

		agentRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partassist_agent_runs_total",
				Help: "Total agent runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partassist_cache_lookups_total",
				Help: "Total query cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		liveCrawlPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "partassist_live_crawl_pages_total",
				Help: "Total pages fetched by on-demand live lookups.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngestPage increments the ingestion page counters.
func ObserveIngestPage(kind, status string, bytesFetched int) {
	ingestPagesTotal.WithLabelValues(kind, status).Inc()
	if bytesFetched > 0 {
		ingestBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveFetch records a fetch latency for the given transport.
func ObserveFetch(transport string, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(transport).Observe(duration.Seconds())
}

// ObserveHeadlessPromotion counts a probe fetch promoted to headless.
func ObserveHeadlessPromotion() {
	headlessPromotionsTotal.Inc()
}

// ObserveRetrieval records an answer and its latency for a ladder tier.
func ObserveRetrieval(source string, duration time.Duration) {
	retrievalAnswersTotal.WithLabelValues(source).Inc()
	retrievalLatencySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveAgentStep counts a tool invocation inside the agent loop.
func ObserveAgentStep(tool string) {
	agentStepsTotal.WithLabelValues(tool).Inc()
}

// ObserveAgentRun counts a completed agent run by outcome.
func ObserveAgentRun(outcome string) {
	agentRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup counts a query cache hit or miss.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveLiveCrawlPage counts a page fetched by a live lookup.
func ObserveLiveCrawlPage() {
	liveCrawlPagesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	ingestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	ingestActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
