package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_claims_total",
			Help: "Total number of claimWork calls by result (claimed, empty, error)",
		},
		[]string{"result"},
	)

	ReclaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_reclaims_total",
			Help: "Total number of reclaimTask calls by result",
		},
		[]string{"result"},
	)

	// Task metrics
	TasksResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_tasks_resolved_total",
			Help: "Total number of tasks resolved by status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskworker_task_duration_seconds",
			Help:    "Time from claim to completion in seconds by status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"status"},
	)

	TaskRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskworker_task_running",
			Help: "Whether a task process is currently running (1 = running)",
		},
	)

	// Artifact metrics
	ArtifactUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_artifact_uploads_total",
			Help: "Total number of artifact uploads by result",
		},
		[]string{"result"},
	)

	ArtifactUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskworker_artifact_upload_duration_seconds",
			Help:    "Artifact upload duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArtifactDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_artifact_downloads_total",
			Help: "Total number of artifact downloads by result",
		},
		[]string{"result"},
	)

	// Retry metrics
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_retries_total",
			Help: "Total number of retried operations by operation name",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(ReclaimsTotal)
	prometheus.MustRegister(TasksResolved)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TaskRunning)
	prometheus.MustRegister(ArtifactUploadsTotal)
	prometheus.MustRegister(ArtifactUploadDuration)
	prometheus.MustRegister(ArtifactDownloadsTotal)
	prometheus.MustRegister(RetriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServeMux returns a mux serving /metrics, /health, /ready and /live
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
