package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_detection_jobs_submitted_total",
			Help: "Detection jobs submitted, by trigger and outcome of submission",
		},
		[]string{"trigger", "outcome"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_detection_jobs_finished_total",
			Help: "Detection jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rhizome_detection_job_duration_seconds",
			Help:    "Wall-clock duration of detection jobs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
	)

	EngineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rhizome_detection_engine_duration_seconds",
			Help:    "Per-engine invocation duration",
			Buckets: []float64{0.5, 2, 10, 30, 60, 120, 300},
		},
		[]string{"engine"},
	)

	EngineFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_detection_engine_failures_total",
			Help: "Engine invocations that failed or timed out",
		},
		[]string{"engine"},
	)

	ConnectionsFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_detection_connections_found_total",
			Help: "Candidate connections produced by engines before dedup",
		},
		[]string{"engine"},
	)

	ConnectionsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rhizome_detection_connections_persisted_total",
			Help: "Deduplicated connections written to the connection store",
		},
	)

	ChunksMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rhizome_detection_chunks_marked_total",
			Help: "Chunks marked detected after successful jobs",
		},
	)

	StatsCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_detection_stats_cache_total",
			Help: "Detection stats cache lookups",
		},
		[]string{"result"},
	)
)

func Init() {
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(EngineDuration)
	prometheus.MustRegister(EngineFailures)
	prometheus.MustRegister(ConnectionsFound)
	prometheus.MustRegister(ConnectionsPersisted)
	prometheus.MustRegister(ChunksMarked)
	prometheus.MustRegister(StatsCacheHits)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
