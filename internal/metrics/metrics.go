package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockrion_events_published_total",
			Help: "Total number of events accepted by a backend",
		},
		[]string{"type", "backend"},
	)

	EventsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockrion_events_filtered_total",
			Help: "Total number of events rejected by the configured filter",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockrion_events_dropped_total",
			Help: "Total number of events dropped after acceptance",
		},
		[]string{"reason"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dockrion_event_publish_duration_seconds",
			Help:    "Backend publish latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend"},
	)

	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dockrion_runs_started_total",
			Help: "Total number of runs accepted for execution",
		},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockrion_runs_finished_total",
			Help: "Total number of runs reaching a terminal status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dockrion_run_duration_seconds",
			Help:    "Run execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockrion_runs_active",
			Help: "Number of runs currently executing",
		},
	)

	// Subscriber metrics
	SubscribersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dockrion_subscribers_active",
			Help: "Number of open backend subscriptions",
		},
		[]string{"backend"},
	)

	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dockrion_stream_connections_active",
			Help: "Number of open client streaming connections",
		},
		[]string{"transport"},
	)

	// Queue metrics
	QueueEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dockrion_queue_evictions_total",
			Help: "Total number of queued events evicted at the high-water mark",
		},
	)

	// Backend metrics
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockrion_backend_errors_total",
			Help: "Total number of backend operation failures",
		},
		[]string{"backend", "op"},
	)

	BackendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockrion_backend_retries_total",
			Help: "Total number of retried backend operations",
		},
		[]string{"backend", "op"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dockrion_backend_circuit_state",
			Help: "Circuit state of backend operations (0 closed, 1 half-open, 2 open)",
		},
		[]string{"backend"},
	)
)

// Drop reasons recorded by EventsDropped.
const (
	DropSlowSubscriber = "slow_subscriber"
	DropPostTerminal   = "post_terminal"
	DropOverflow       = "overflow"
	DropEvicted        = "evicted"
)

// RecordPublish records a successful backend publish
func RecordPublish(backend, eventType string, durationSeconds float64) {
	EventsPublished.WithLabelValues(eventType, backend).Inc()
	PublishDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordRunFinished records a terminal run transition
func RecordRunFinished(status string, durationSeconds float64) {
	RunsFinished.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		RunDuration.Observe(durationSeconds)
	}
}

// RecordBackendError records a failed backend operation
func RecordBackendError(backend, op string) {
	BackendErrors.WithLabelValues(backend, op).Inc()
}
