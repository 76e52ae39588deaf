// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and structured logging for Klask.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector holds all Prometheus metrics for Klask.
type MetricsCollector struct {
	// Search API metrics
	SearchRequestsTotal   *prometheus.CounterVec
	SearchRequestDuration *prometheus.HistogramVec
	SearchResultsReturned *prometheus.HistogramVec
	SearchErrorsTotal     *prometheus.CounterVec

	// Indexer metrics
	IndexOperationsTotal  *prometheus.CounterVec
	IndexOperationLatency *prometheus.HistogramVec
	IndexedDocumentsTotal prometheus.Counter
	RejectedDocumentsTotal *prometheus.CounterVec
	IndexSizeBytes        prometheus.Gauge
	IndexErrorsTotal      *prometheus.CounterVec

	// Crawler metrics
	CrawlsStartedTotal   *prometheus.CounterVec
	CrawlsCompletedTotal *prometheus.CounterVec
	CrawlDuration        *prometheus.HistogramVec
	FilesProcessedTotal  *prometheus.CounterVec
	FilesSkippedTotal    *prometheus.CounterVec
	BytesProcessedTotal  *prometheus.CounterVec
	ActiveCrawls         prometheus.Gauge

	// Scheduler metrics
	SchedulerSlotsInUse    prometheus.Gauge
	SchedulerSlotsTotal    prometheus.Gauge
	SchedulerWakeupsTotal  prometheus.Counter
	RepositoriesDueTotal   prometheus.Counter

	// Rate limiting metrics (HTTP glue)
	RateLimitRequests  *prometheus.CounterVec
	RateLimitHits      *prometheus.CounterVec
	RateLimitDuration  *prometheus.HistogramVec
	RateLimitRemaining *prometheus.GaugeVec

	// System metrics
	SystemStartTime prometheus.Gauge
	SystemHealth    *prometheus.GaugeVec
}

// NewMetricsCollector creates and registers all Prometheus metrics.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return NewMetricsCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates metrics with a specific registry (for testing).
func NewMetricsCollectorWithRegistry(namespace string, reg prometheus.Registerer) *MetricsCollector {
	if namespace == "" {
		namespace = "klask"
	}

	autoCounterVec := func(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
		return promauto.With(reg).NewCounterVec(opts, labelNames)
	}
	autoHistogramVec := func(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
		return promauto.With(reg).NewHistogramVec(opts, labelNames)
	}
	autoGaugeVec := func(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
		return promauto.With(reg).NewGaugeVec(opts, labelNames)
	}
	autoCounter := func(opts prometheus.CounterOpts) prometheus.Counter {
		return promauto.With(reg).NewCounter(opts)
	}
	autoGauge := func(opts prometheus.GaugeOpts) prometheus.Gauge {
		return promauto.With(reg).NewGauge(opts)
	}

	return &MetricsCollector{
		SearchRequestsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_requests_total",
				Help:      "Total number of search requests by status",
			},
			[]string{"status"},
		),
		SearchRequestDuration: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_request_duration_seconds",
				Help:      "Search request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		SearchResultsReturned: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_results_returned",
				Help:      "Number of hits returned per search",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
			[]string{"operation"},
		),
		SearchErrorsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_errors_total",
				Help:      "Total number of search errors by code",
			},
			[]string{"code"},
		),

		IndexOperationsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_operations_total",
				Help:      "Total number of index operations by type and status",
			},
			[]string{"operation", "status"},
		),
		IndexOperationLatency: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_operation_duration_seconds",
				Help:      "Index operation duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		IndexedDocumentsTotal: autoCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indexed_documents_total",
				Help:      "Total number of documents indexed",
			},
		),
		RejectedDocumentsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_documents_total",
				Help:      "Total number of documents rejected by reason",
			},
			[]string{"reason"},
		),
		IndexSizeBytes: autoGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_size_bytes",
				Help:      "Approximate size of the on-disk index in bytes",
			},
		),
		IndexErrorsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_errors_total",
				Help:      "Total number of index errors by type",
			},
			[]string{"error_type"},
		),

		CrawlsStartedTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawls_started_total",
				Help:      "Total number of crawls started by source kind",
			},
			[]string{"source_kind"},
		),
		CrawlsCompletedTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawls_completed_total",
				Help:      "Total number of crawls completed by source kind and terminal state",
			},
			[]string{"source_kind", "state"},
		),
		CrawlDuration: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crawl_duration_seconds",
				Help:      "Crawl duration in seconds by source kind",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"source_kind"},
		),
		FilesProcessedTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_files_processed_total",
				Help:      "Total number of files processed by a crawl",
			},
			[]string{"source_kind"},
		),
		FilesSkippedTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_files_skipped_total",
				Help:      "Total number of files skipped by a crawl, by reason",
			},
			[]string{"source_kind", "reason"},
		),
		BytesProcessedTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_bytes_processed_total",
				Help:      "Total number of content bytes processed by a crawl",
			},
			[]string{"source_kind"},
		),
		ActiveCrawls: autoGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_crawls",
				Help:      "Number of crawls currently in progress",
			},
		),

		SchedulerSlotsInUse: autoGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_slots_in_use",
				Help:      "Number of global crawl concurrency slots currently held",
			},
		),
		SchedulerSlotsTotal: autoGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_slots_total",
				Help:      "Total global crawl concurrency slots configured",
			},
		),
		SchedulerWakeupsTotal: autoCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_wakeups_total",
				Help:      "Total number of scheduler dispatch-loop wakeups",
			},
		),
		RepositoriesDueTotal: autoCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_repositories_due_total",
				Help:      "Total number of repository-due events observed across wakeups",
			},
		),

		RateLimitRequests: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_requests_total",
				Help:      "Total number of rate limit checks by limiter type and result",
			},
			[]string{"limiter_type", "result"},
		),
		RateLimitHits: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Total number of rate limit hits by limiter type",
			},
			[]string{"limiter_type"},
		),
		RateLimitDuration: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_duration_seconds",
				Help:      "Rate limit check duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1},
			},
			[]string{"limiter_type"},
		),
		RateLimitRemaining: autoGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_remaining_requests",
				Help:      "Number of remaining requests for rate limited clients",
			},
			[]string{"limiter_type", "identifier"},
		),

		SystemStartTime: autoGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_start_time_seconds",
				Help:      "Unix timestamp when the system started",
			},
		),
		SystemHealth: autoGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_health_status",
				Help:      "System health status (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),
	}
}

// RecordSearch records metrics for a search request.
func (m *MetricsCollector) RecordSearch(operation, status string, duration time.Duration, resultCount int) {
	m.SearchRequestsTotal.WithLabelValues(status).Inc()
	m.SearchRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.SearchResultsReturned.WithLabelValues(operation).Observe(float64(resultCount))
}

// RecordSearchError records a search error by code.
func (m *MetricsCollector) RecordSearchError(code string) {
	m.SearchErrorsTotal.WithLabelValues(code).Inc()
}

// RecordIndexOperation records metrics for an index operation.
func (m *MetricsCollector) RecordIndexOperation(operation, status string, duration time.Duration) {
	m.IndexOperationsTotal.WithLabelValues(operation, status).Inc()
	m.IndexOperationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordIndexedDocuments increments the indexed documents counter.
func (m *MetricsCollector) RecordIndexedDocuments(count int) {
	m.IndexedDocumentsTotal.Add(float64(count))
}

// RecordRejectedDocuments increments the rejected documents counter by reason.
func (m *MetricsCollector) RecordRejectedDocuments(reason string, count int) {
	m.RejectedDocumentsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordIndexError records an index error.
func (m *MetricsCollector) RecordIndexError(errorType string) {
	m.IndexErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateIndexSize updates the index size gauge.
func (m *MetricsCollector) UpdateIndexSize(sizeBytes int64) {
	m.IndexSizeBytes.Set(float64(sizeBytes))
}

// RecordCrawlStart records a crawl starting for a source kind.
func (m *MetricsCollector) RecordCrawlStart(sourceKind string) {
	m.CrawlsStartedTotal.WithLabelValues(sourceKind).Inc()
	m.ActiveCrawls.Inc()
}

// RecordCrawlComplete records a crawl's terminal outcome.
func (m *MetricsCollector) RecordCrawlComplete(sourceKind, state string, duration time.Duration, filesProcessed, filesSkipped int, bytesProcessed int64) {
	m.CrawlsCompletedTotal.WithLabelValues(sourceKind, state).Inc()
	m.CrawlDuration.WithLabelValues(sourceKind).Observe(duration.Seconds())
	m.FilesProcessedTotal.WithLabelValues(sourceKind).Add(float64(filesProcessed))
	m.BytesProcessedTotal.WithLabelValues(sourceKind).Add(float64(bytesProcessed))
	m.ActiveCrawls.Dec()
	_ = filesSkipped
}

// RecordFileSkipped records a single skipped file with its reason.
func (m *MetricsCollector) RecordFileSkipped(sourceKind, reason string) {
	m.FilesSkippedTotal.WithLabelValues(sourceKind, reason).Inc()
}

// SetSchedulerSlots updates the concurrency-slot gauges.
func (m *MetricsCollector) SetSchedulerSlots(inUse, total int) {
	m.SchedulerSlotsInUse.Set(float64(inUse))
	m.SchedulerSlotsTotal.Set(float64(total))
}

// RecordSchedulerWakeup records one dispatch-loop wakeup and how many repositories were due.
func (m *MetricsCollector) RecordSchedulerWakeup(due int) {
	m.SchedulerWakeupsTotal.Inc()
	m.RepositoriesDueTotal.Add(float64(due))
}

// SetSystemStartTime sets the system start time.
func (m *MetricsCollector) SetSystemStartTime(startTime time.Time) {
	m.SystemStartTime.Set(float64(startTime.Unix()))
}

// SetComponentHealth sets the health status of a component.
func (m *MetricsCollector) SetComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.SystemHealth.WithLabelValues(component).Set(value)
}

// RecordRateLimit records metrics for a rate limit check.
func (m *MetricsCollector) RecordRateLimit(limiterType, result string, duration time.Duration) {
	m.RateLimitRequests.WithLabelValues(limiterType, result).Inc()
	m.RateLimitDuration.WithLabelValues(limiterType).Observe(duration.Seconds())

	if result == "hit" {
		m.RateLimitHits.WithLabelValues(limiterType).Inc()
	}
}

// UpdateRateLimitRemaining updates the remaining requests gauge.
func (m *MetricsCollector) UpdateRateLimitRemaining(limiterType, identifier string, remaining int64) {
	m.RateLimitRemaining.WithLabelValues(limiterType, identifier).Set(float64(remaining))
}
