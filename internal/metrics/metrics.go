package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kobocat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kobocat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kobocat_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	// Storage accounting
	AttachmentStorageBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kobocat_attachment_storage_bytes_total",
			Help: "Bytes added to or removed from attachment storage counters",
		},
		[]string{"direction"},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kobocat_submissions_total",
			Help: "Total number of OpenRosa submissions by outcome",
		},
		[]string{"outcome"},
	)

	// Exports
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kobocat_exports_total",
			Help: "Total number of finished export generations",
		},
		[]string{"type", "status"},
	)

	ExportQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kobocat_export_queue_depth",
			Help: "Exports waiting for the generation worker",
		},
	)

	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kobocat_export_duration_seconds",
			Help:    "Export generation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Attachment gateway outcomes (redirect, not_found, unauthorized, forbidden, challenge)
	AttachmentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kobocat_attachment_requests_total",
			Help: "Attachment gateway responses by outcome",
		},
		[]string{"outcome"},
	)

	// Authentication metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kobocat_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"status"},
	)

	RestrictedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kobocat_restricted_requests_total",
			Help: "Requests refused because the account must reset its password",
		},
	)
)

// RecordHTTPRequest records metrics for an HTTP request
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := httpStatusToString(status)
	HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

func httpStatusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "unknown"
}

// RecordExport records a finished export generation.
func RecordExport(exportType, status string, duration time.Duration) {
	ExportsTotal.WithLabelValues(exportType, status).Inc()
	ExportDuration.WithLabelValues(exportType).Observe(duration.Seconds())
}

func RecordLogin(success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	LoginAttempts.WithLabelValues(status).Inc()
}
