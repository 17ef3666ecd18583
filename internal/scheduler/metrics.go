package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the maintenance scheduler.
type Metrics struct {
	JobsFired     *prometheus.CounterVec
	JobsSucceeded *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsSkipped   *prometheus.CounterVec
	TickDuration  prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Maintenance jobs started.",
		}, []string{"job"}),
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Maintenance jobs that returned without error.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Maintenance jobs that returned an error.",
		}, []string{"job"}),
		JobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Due jobs skipped because the previous run was still in progress.",
		}, []string{"job"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coder1",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (find due jobs and dispatch).",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.JobsSkipped,
		m.TickDuration,
	)

	return m
}
