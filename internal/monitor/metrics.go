package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

// Metrics holds Prometheus metrics for the resource monitor.
type Metrics struct {
	CPUPercent    *prometheus.GaugeVec
	MemoryMB      *prometheus.GaugeVec
	DiskMB        *prometheus.GaugeVec
	Processes     *prometheus.GaugeVec
	LimitExceeded *prometheus.CounterVec
	Samples       prometheus.Counter
}

// NewMetrics creates and registers monitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coder1",
			Subsystem: "monitor",
			Name:      name,
			Help:      help,
		}, []string{"sandbox"})
	}

	m := &Metrics{
		CPUPercent: gauge("cpu_percent", "Last sampled CPU usage of a sandbox in percent."),
		MemoryMB:   gauge("memory_mb", "Last sampled resident memory of a sandbox in MB."),
		DiskMB:     gauge("disk_mb", "Last sampled disk usage of a sandbox working tree in MB."),
		Processes:  gauge("processes", "Last sampled process count of a sandbox."),
		LimitExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "monitor",
			Name:      "limit_exceeded_total",
			Help:      "Limit-exceeded notifications raised, by limit kind.",
		}, []string{"limit"}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "monitor",
			Name:      "samples_total",
			Help:      "Resource samples taken.",
		}),
	}

	reg.MustRegister(m.CPUPercent, m.MemoryMB, m.DiskMB, m.Processes, m.LimitExceeded, m.Samples)
	return m
}

func (m *Metrics) observe(id string, u sandbox.Usage) {
	m.Samples.Inc()
	m.CPUPercent.WithLabelValues(id).Set(u.CPUPercent)
	m.MemoryMB.WithLabelValues(id).Set(u.MemoryMB)
	m.DiskMB.WithLabelValues(id).Set(u.DiskMB)
	m.Processes.WithLabelValues(id).Set(float64(u.Processes))
}

func (m *Metrics) forget(id string) {
	m.CPUPercent.DeleteLabelValues(id)
	m.MemoryMB.DeleteLabelValues(id)
	m.DiskMB.DeleteLabelValues(id)
	m.Processes.DeleteLabelValues(id)
}
