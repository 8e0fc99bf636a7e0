package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	uploadBytes   *prometheus.HistogramVec
	rejectedTotal *prometheus.CounterVec
	jobsRequested *prometheus.CounterVec
	reviewEdits   *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pid",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pid",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	uploadBytes := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pid",
			Subsystem: "upload",
			Name:      "bytes",
			Help:      "Size of accepted drawing uploads.",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 8),
		},
		[]string{"service"},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests rejected by traffic control, by reason.",
		},
		[]string{"service", "reason"},
	)
	jobsRequested := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "jobs",
			Name:      "requested_total",
			Help:      "Accepted processing and export requests.",
		},
		[]string{"service", "kind", "format"},
	)
	reviewEdits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "review",
			Name:      "edits_total",
			Help:      "Validation edits applied, by target.",
		},
		[]string{"service", "target"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		uploadBytes,
		rejectedTotal,
		jobsRequested,
		reviewEdits,
	)

	return &HTTPServerMetrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		uploadBytes:     uploadBytes,
		rejectedTotal:   rejectedTotal,
		jobsRequested:   jobsRequested,
		reviewEdits:     reviewEdits,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()
		next.ServeHTTP(sw, r)

		route := routeLabel(r)
		m.requestTotal.WithLabelValues(service, r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, route).Observe(time.Since(started).Seconds())
	})
}

// routeLabel prefers the mux pattern that served the request and falls back
// to collapsing IDs out of the raw path.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	}
	return normalizePath(r.URL.Path)
}

// normalizePath collapses resource ids so label cardinality stays bounded.
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return path
	}
	switch parts[0] {
	case "drawings":
		if parts[1] != "upload" {
			parts[1] = "{id}"
		}
		if len(parts) >= 4 {
			parts[3] = "{item_id}"
		}
	case "exports", "processing":
		if len(parts) >= 3 && parts[1] == "jobs" {
			parts[2] = "{job_id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func (m *HTTPServerMetrics) RecordUpload(service string, size int64) {
	m.uploadBytes.WithLabelValues(service).Observe(float64(size))
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedTotal.WithLabelValues(service, reason).Inc()
}

func (m *HTTPServerMetrics) RecordJobRequested(service, kind, format string) {
	if format == "" {
		format = "none"
	}
	m.jobsRequested.WithLabelValues(service, kind, format).Inc()
}

func (m *HTTPServerMetrics) RecordReviewEdit(service, target string) {
	m.reviewEdits.WithLabelValues(service, target).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
