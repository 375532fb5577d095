package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for tunnelsecrets.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Materialization metrics.
	StepsTotal         *prometheus.CounterVec
	StepBytesTotal     *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	LastSuccessfulRun  prometheus.Gauge
	LastRunStepsFailed prometheus.Gauge

	// External command metrics (secret-store client, validator).
	CommandExecutionsTotal   *prometheus.CounterVec
	CommandExecutionDuration *prometheus.HistogramVec

	// HTTP metrics (watch mode).
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "step",
			Name:      "total",
			Help:      "Workflow steps by step kind and outcome.",
		}, []string{"step", "environment", "outcome"}),

		StepBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "step",
			Name:      "bytes_written_total",
			Help:      "Bytes written to config and credential files.",
		}, []string{"step"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "run",
			Name:      "total",
			Help:      "Materialization runs by status.",
		}, []string{"selector", "status"}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Materialization run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		LastSuccessfulRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "run",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run without failed steps.",
		}),

		LastRunStepsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "run",
			Name:      "last_failed_steps",
			Help:      "Failed steps in the most recent run.",
		}),

		CommandExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Total external command executions.",
		}, []string{"program", "status"}),

		CommandExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "command",
			Name:      "execution_duration_seconds",
			Help:      "External command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"program"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnelsecrets",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.StepsTotal,
		m.StepBytesTotal,
		m.RunsTotal,
		m.RunDuration,
		m.LastSuccessfulRun,
		m.LastRunStepsFailed,
		m.CommandExecutionsTotal,
		m.CommandExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
