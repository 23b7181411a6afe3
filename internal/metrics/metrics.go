package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest boundary
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_requests_total",
			Help: "Total number of ingest requests by endpoint and HTTP status",
		},
		[]string{"endpoint", "status"},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_batches_total",
			Help: "Ingest batches by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	EventsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_events_admitted_total",
			Help: "Total number of records enqueued for enrichment",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_events_dropped_total",
			Help: "Records refused at the ingest boundary, by reason",
		},
		[]string{"reason"},
	)

	// Source admission
	SourceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_source_events_total",
			Help: "Per-source records by admission outcome",
		},
		[]string{"source", "outcome"},
	)

	SourceEPSExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_source_eps_exceeded_total",
			Help: "Batches that exceeded a source max_eps cap without being blocked",
		},
		[]string{"source"},
	)

	AdmissionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_admission_errors_total",
			Help: "Internal errors while evaluating admission",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_rate_limit_hits_total",
			Help: "Requests refused by the tenant/credential rate limiter",
		},
		[]string{"scope"},
	)

	DuplicateBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_duplicate_batches_total",
			Help: "Batches suppressed by the idempotency guard",
		},
	)

	// Intake queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_queue_depth",
			Help: "Current depth of the intake queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_queue_capacity",
			Help: "Maximum capacity of the intake queue",
		},
	)

	QueueSaturation = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_queue_saturation_ratio",
			Help: "Intake queue depth divided by capacity",
		},
	)

	QueueLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowguard_queue_lag_seconds",
			Help:    "Time records spent in the intake queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker pool
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowguard_stage_duration_seconds",
			Help:    "Duration of enrichment stages in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"stage"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_stage_failures_total",
			Help: "Enrichment stage failures by stage and kind",
		},
		[]string{"stage", "kind"},
	)

	RecordsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_records_processed_total",
			Help: "Records that passed every stage",
		},
	)

	RecordsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_records_discarded_total",
			Help: "Records left in the queue when the shutdown grace period expired",
		},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_workers_active",
			Help: "Number of running enrichment workers",
		},
	)

	// Export
	ExportSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_export_sent_total",
			Help: "Records delivered to export sinks",
		},
		[]string{"destination"},
	)

	ExportFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_export_failed_total",
			Help: "Batches that exhausted export retries",
		},
		[]string{"destination", "reason"},
	)

	ExportRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_export_retries_total",
			Help: "Export attempts after the first",
		},
		[]string{"destination"},
	)

	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowguard_export_duration_seconds",
			Help:    "Latency of successful export sends",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	ExportBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_export_backlog",
			Help: "Records waiting in the export dispatcher",
		},
	)

	// Dead-letter store
	DLQDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowguard_dlq_depth",
			Help: "Dead-letter files on disk per destination",
		},
		[]string{"destination"},
	)

	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_dlq_writes_total",
			Help: "Batches written to the dead-letter store",
		},
		[]string{"destination"},
	)

	DLQWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_dlq_write_errors_total",
			Help: "Failed dead-letter writes",
		},
	)

	DLQPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_dlq_pruned_total",
			Help: "Dead-letter files removed by maintenance",
		},
		[]string{"policy"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
