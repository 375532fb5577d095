package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the watch scheduler.
type Metrics struct {
	RunsFired    *prometheus.CounterVec
	RunsFailed   *prometheus.CounterVec
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "scheduler",
			Name:      "runs_fired_total",
			Help:      "Runs started by the watch scheduler, by trigger.",
		}, []string{"trigger"}),
		RunsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "scheduler",
			Name:      "runs_failed_total",
			Help:      "Runs that ended with a failed step or a fatal error, by trigger.",
		}, []string{"trigger"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tunnelsecrets",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduled or triggered run including history recording.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(
		m.RunsFired,
		m.RunsFailed,
		m.TickDuration,
	)

	return m
}
