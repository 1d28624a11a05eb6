package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_jobs_processed_total",
			Help: "Total number of jobs processed by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_jobs_retried_total",
			Help: "Total number of job retries by stage",
		},
		[]string{"stage"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veil_stage_duration_seconds",
			Help:    "Stage processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "veil_queue_depth",
			Help: "Jobs waiting per queue and state",
		},
		[]string{"queue", "state"},
	)

	JobsStalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_jobs_stalled_total",
			Help: "Total number of stalled-job recoveries by queue",
		},
		[]string{"queue"},
	)

	// Findings metrics
	FindingsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_findings_persisted_total",
			Help: "Total number of PII findings persisted by entity type",
		},
		[]string{"entity_type"},
	)

	// Extraction metrics
	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_extractions_total",
			Help: "Total number of text extractions by method",
		},
		[]string{"method"},
	)

	// External service metrics
	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veil_external_call_duration_seconds",
			Help:    "External collaborator call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Fan-out metrics
	SSEClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veil_sse_clients",
			Help: "Currently connected event stream subscribers",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_events_published_total",
			Help: "Total number of events published by type",
		},
		[]string{"type"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsProcessed,
		JobsRetried,
		StageDuration,
		QueueDepth,
		JobsStalled,
		FindingsPersisted,
		ExtractionsTotal,
		ExternalCallDuration,
		SSEClients,
		EventsPublished,
		APIRequestsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(time.Since(t.start).Seconds())
}
