package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sandbox registry.
type Metrics struct {
	Live             *prometheus.GaugeVec
	CreatesTotal     *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  prometheus.Histogram
	DestroysTotal    prometheus.Counter
	ReconciledBroken prometheus.Counter
}

// NewMetrics creates and registers sandbox metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coder1",
			Subsystem: "sandbox",
			Name:      "live",
			Help:      "Sandboxes currently in the registry by status.",
		}, []string{"status"}),
		CreatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "sandbox",
			Name:      "creates_total",
			Help:      "Sandbox create attempts by outcome.",
		}, []string{"outcome"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Commands run in sandboxes by outcome (ok, nonzero, error).",
		}, []string{"outcome"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coder1",
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Duration of commands run in sandboxes.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}),
		DestroysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "sandbox",
			Name:      "destroys_total",
			Help:      "Sandboxes destroyed.",
		}),
		ReconciledBroken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "sandbox",
			Name:      "reconciled_broken_total",
			Help:      "Sandboxes marked error because their backend environment disappeared.",
		}),
	}

	reg.MustRegister(
		m.Live,
		m.CreatesTotal,
		m.CommandsTotal,
		m.CommandDuration,
		m.DestroysTotal,
		m.ReconciledBroken,
	)
	return m
}
