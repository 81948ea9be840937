package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// VideosProcessed counts ingested uploads by outcome.
	VideosProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "videos_processed_total",
			Help:      "Total number of uploads run through the pipeline",
		},
		[]string{"status"},
	)

	// PipelineDuration tracks end-to-end upload processing time.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "pipeline_duration_seconds",
			Help:      "Time taken to probe, transcode and catalog an upload",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200},
		},
	)

	// ActivePipelines tracks the number of uploads currently being processed.
	ActivePipelines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "active_pipelines",
			Help:      "Number of uploads currently being processed",
		},
	)

	// JobDuration tracks the time taken by individual transcode jobs.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "transcode_job_duration_seconds",
			Help:      "Time taken by a single rendition or thumbnail job",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind", "status"},
	)

	// ProbeDuration tracks ffprobe latency.
	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "probe_duration_seconds",
			Help:      "Time taken to probe a source file",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30},
		},
	)

	// ArtifactCleanupFailures counts best-effort deletions that failed.
	ArtifactCleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "artifact_cleanup_failures_total",
			Help:      "Total number of failed best-effort artifact deletions",
		},
		[]string{"target"},
	)
)

// Streaming metrics
var (
	// StreamBytes counts bytes served from rendition files.
	StreamBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Total number of rendition bytes served",
		},
		[]string{"quality"},
	)

	// StreamAborts counts range responses that ended early.
	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "stream",
			Name:      "aborted_total",
			Help:      "Total number of range responses aborted mid-stream",
		},
		[]string{"reason"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)
)

// RecordSuccess records a successfully catalogued upload.
func RecordSuccess() {
	VideosProcessed.WithLabelValues("success").Inc()
}

// RecordFailure records an upload that failed at the given stage.
func RecordFailure(stage string) {
	VideosProcessed.WithLabelValues("failed_" + stage).Inc()
}
