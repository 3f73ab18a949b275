package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sandstorm.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxCreationsTotal   *prometheus.CounterVec
	SandboxCreationDuration *prometheus.HistogramVec
	SandboxReconnectsTotal  *prometheus.CounterVec
	SandboxesDestroyedTotal *prometheus.CounterVec
	ActiveSessions          prometheus.Gauge

	// Agent run metrics.
	AgentRunsTotal   *prometheus.CounterVec
	AgentRunDuration *prometheus.HistogramVec

	// Event stream metrics.
	EventsEmittedTotal *prometheus.CounterVec
	EventsDroppedTotal prometheus.Counter

	// File extraction metrics.
	ExtractedFilesTotal prometheus.Counter
	ExtractedBytesTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxCreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "sandbox",
			Name:      "creations_total",
			Help:      "Total sandbox creations.",
		}, []string{"template", "status"}),

		SandboxCreationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandstorm",
			Subsystem: "sandbox",
			Name:      "creation_duration_seconds",
			Help:      "Sandbox provisioning duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"template"}),

		SandboxReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "sandbox",
			Name:      "reconnects_total",
			Help:      "Total reconnections to existing sandboxes.",
		}, []string{"status"}),

		SandboxesDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "sandbox",
			Name:      "destroyed_total",
			Help:      "Total sandboxes destroyed, by reason.",
		}, []string{"reason"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandstorm",
			Name:      "active_sessions",
			Help:      "Number of currently running agent sessions.",
		}),

		AgentRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Total agent runs.",
		}, []string{"model", "status"}),

		AgentRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandstorm",
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Agent run duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"model"}),

		EventsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total events emitted to clients.",
		}, []string{"type"}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Total events dropped due to a full stream buffer.",
		}),

		ExtractedFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "files",
			Name:      "extracted_total",
			Help:      "Total files extracted from sandboxes.",
		}),

		ExtractedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "files",
			Name:      "extracted_bytes_total",
			Help:      "Total bytes extracted from sandboxes.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandstorm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandstorm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxCreationsTotal,
		m.SandboxCreationDuration,
		m.SandboxReconnectsTotal,
		m.SandboxesDestroyedTotal,
		m.ActiveSessions,
		m.AgentRunsTotal,
		m.AgentRunDuration,
		m.EventsEmittedTotal,
		m.EventsDroppedTotal,
		m.ExtractedFilesTotal,
		m.ExtractedBytesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
