package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the agent runtime.
type Metrics struct {
	Agents       *prometheus.GaugeVec
	SpawnsTotal  *prometheus.CounterVec
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	Broadcasts   *prometheus.CounterVec
}

// NewMetrics creates and registers agent metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coder1",
			Subsystem: "agent",
			Name:      "live",
			Help:      "Live agents by type.",
		}, []string{"type"}),
		SpawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "agent",
			Name:      "spawns_total",
			Help:      "Agent spawn attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "agent",
			Name:      "tasks_total",
			Help:      "Finished tasks by agent type and outcome (completed, failed).",
		}, []string{"type", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coder1",
			Subsystem: "agent",
			Name:      "task_duration_seconds",
			Help:      "Task execution time by agent type.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"type"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "agent",
			Name:      "broadcasts_total",
			Help:      "Broadcast tasks by selection outcome (matched, fallback, none).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.Agents,
		m.SpawnsTotal,
		m.TasksTotal,
		m.TaskDuration,
		m.Broadcasts,
	)
	return m
}
