// Package metrics defines custom Prometheus metrics for filerelay.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filerelay_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filerelay_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filerelay_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// File lifecycle metrics.
var (
	// UploadsTotal counts upload attempts by outcome
	// (success, renamed, oversize, invalid, error).
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerelay_uploads_total",
			Help: "Uploads by outcome",
		},
		[]string{"outcome"},
	)

	// DownloadsTotal counts download evaluations by outcome
	// (alive, last, expired, not_found, error).
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerelay_downloads_total",
			Help: "Download evaluations by outcome",
		},
		[]string{"outcome"},
	)

	// FilesReclaimedTotal counts files deleted by the lifecycle engine by
	// reason (expired, exhausted, orphan_record).
	FilesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerelay_files_reclaimed_total",
			Help: "Files reclaimed by the lifecycle engine",
		},
		[]string{"reason"},
	)

	// BytesReceivedTotal counts total bytes stored from uploads.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filerelay_bytes_received_total",
			Help: "Total bytes received (uploaded file bodies)",
		},
	)

	// BytesSentTotal counts total bytes sent in response bodies.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filerelay_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)
)

// Janitor metrics.
var (
	// JanitorRunsTotal counts janitor sweeps.
	JanitorRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filerelay_janitor_runs_total",
			Help: "Total janitor sweeps",
		},
	)

	// JanitorDuration observes sweep duration in seconds.
	JanitorDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filerelay_janitor_duration_seconds",
			Help:    "Janitor sweep duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			UploadsTotal,
			DownloadsTotal,
			FilesReclaimedTotal,
			BytesReceivedTotal,
			BytesSentTotal,
			JanitorRunsTotal,
			JanitorDuration,
		)
		// Initialize the lifecycle counters so they appear in /metrics output
		// before the first transfer.
		UploadsTotal.WithLabelValues("success")
		DownloadsTotal.WithLabelValues("alive")
		FilesReclaimedTotal.WithLabelValues("expired")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual file names.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml", "/upload", "/list":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}
	if strings.IndexByte(strings.TrimSuffix(trimmed, "/"), '/') >= 0 {
		return "/{path...}"
	}
	return "/{name}"
}
