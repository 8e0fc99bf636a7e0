package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	jobTotal      *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobInFlight   *prometheus.GaugeVec
	stageDuration *prometheus.HistogramVec
	tilesTotal    *prometheus.CounterVec
	symbolsTotal  *prometheus.CounterVec
	reapedTotal   *prometheus.CounterVec
	queueLag      *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	jobTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total finished jobs by kind and status.",
		},
		[]string{"service", "kind", "status"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pid",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job duration in seconds by kind and status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"service", "kind", "status"},
	)
	jobInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pid",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of in-flight jobs by kind.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"kind"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pid",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"service", "stage", "status"},
	)
	tilesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "detection",
			Name:      "tiles_total",
			Help:      "Tiles sent to the detector by outcome.",
		},
		[]string{"service", "outcome"},
	)
	symbolsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "detection",
			Name:      "symbols_total",
			Help:      "Symbols kept after suppression, by review flag.",
		},
		[]string{"service", "flagged"},
	)
	reapedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pid",
			Subsystem: "worker",
			Name:      "reaped_total",
			Help:      "Jobs forced to a failed state after exceeding their time limit.",
		},
		[]string{"service", "kind"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pid",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between job creation and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "kind"},
	)

	registry.MustRegister(jobTotal, jobDuration, jobInFlight, stageDuration, tilesTotal, symbolsTotal, reapedTotal, queueLag)

	return &WorkerMetrics{
		registry:      registry,
		jobTotal:      jobTotal,
		jobDuration:   jobDuration,
		jobInFlight:   jobInFlight,
		stageDuration: stageDuration,
		tilesTotal:    tilesTotal,
		symbolsTotal:  symbolsTotal,
		reapedTotal:   reapedTotal,
		queueLag:      queueLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob(kind string) {
	m.jobInFlight.WithLabelValues(kind).Inc()
}

func (m *WorkerMetrics) FinishJob(service, kind string, duration time.Duration, err error) {
	m.jobInFlight.WithLabelValues(kind).Dec()

	status := statusLabel(err)
	m.jobTotal.WithLabelValues(service, kind, status).Inc()
	m.jobDuration.WithLabelValues(service, kind, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveStage(service, stage string, duration time.Duration, err error) {
	m.stageDuration.WithLabelValues(service, stage, statusLabel(err)).Observe(duration.Seconds())
}

func (m *WorkerMetrics) RecordTile(service, outcome string) {
	m.tilesTotal.WithLabelValues(service, outcome).Inc()
}

func (m *WorkerMetrics) RecordSymbols(service string, flagged, unflagged int) {
	if flagged > 0 {
		m.symbolsTotal.WithLabelValues(service, "true").Add(float64(flagged))
	}
	if unflagged > 0 {
		m.symbolsTotal.WithLabelValues(service, "false").Add(float64(unflagged))
	}
}

func (m *WorkerMetrics) RecordReaped(service, kind string, n int) {
	if n <= 0 {
		return
	}
	m.reapedTotal.WithLabelValues(service, kind).Add(float64(n))
}

func (m *WorkerMetrics) ObserveQueueLag(service, kind string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service, kind).Observe(lag.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Pipeline binds the metrics to one service name for the processing stages.
func (m *WorkerMetrics) Pipeline(service string) *PipelineMetrics {
	return &PipelineMetrics{metrics: m, service: service}
}

// PipelineMetrics implements ports.PipelineMetrics.
type PipelineMetrics struct {
	metrics *WorkerMetrics
	service string
}

func (p *PipelineMetrics) ObserveQueueLag(kind string, lag time.Duration) {
	p.metrics.ObserveQueueLag(p.service, kind, lag)
}

func (p *PipelineMetrics) ObserveStage(stage domain.Stage, duration time.Duration, err error) {
	p.metrics.ObserveStage(p.service, string(stage), duration, err)
}

func (p *PipelineMetrics) RecordTile(outcome string) {
	p.metrics.RecordTile(p.service, outcome)
}

func (p *PipelineMetrics) RecordSymbols(flagged, unflagged int) {
	p.metrics.RecordSymbols(p.service, flagged, unflagged)
}
