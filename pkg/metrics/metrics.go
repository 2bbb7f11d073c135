package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_tasks_created_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_tasks_claimed_total",
			Help: "Total number of tasks claimed by agent",
		},
		[]string{"agent_id"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"agent_id", "status"},
	)

	TasksRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_tasks_recovered_total",
			Help: "Total number of stalled tasks returned to pending by the sweeper",
		},
	)

	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_tasks",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	// Progress and artifact metrics
	ProgressRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_progress_rows_total",
			Help: "Total number of progress rows appended",
		},
	)

	ArtifactsUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_artifacts_uploaded_total",
			Help: "Total number of artifacts uploaded by bucket",
		},
		[]string{"bucket"},
	)

	ArtifactBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_artifact_bytes_total",
			Help: "Total artifact bytes uploaded by bucket",
		},
		[]string{"bucket"},
	)

	// Driver metrics
	DriverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_driver_duration_seconds",
			Help:    "Driver execution wall-clock time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"agent_id"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_claim_latency_seconds",
			Help:    "Time taken by the atomic claim query in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(TasksRecovered)
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(ProgressRows)
	prometheus.MustRegister(ArtifactsUploaded)
	prometheus.MustRegister(ArtifactBytes)
	prometheus.MustRegister(DriverDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ClaimLatency)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
