package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector owns the process-wide Prometheus registry and the
// metrics that belong to no single component: isolation backend calls and
// the ops HTTP server. Component metrics (sandbox, monitor, agent,
// scheduler) register on Registry themselves.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Isolation backend metrics.
	BackendOpsTotal   *prometheus.CounterVec
	BackendOpDuration *prometheus.HistogramVec

	// Anomaly detector metrics.
	AnomaliesTotal *prometheus.CounterVec

	// HTTP server metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector on a fresh registry that
// also carries the Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		BackendOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Isolation backend calls by operation and outcome.",
		}, []string{"backend", "op", "status"}),

		BackendOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coder1",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Isolation backend call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120, 600},
		}, []string{"backend", "op"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "anomaly",
			Name:      "detected_total",
			Help:      "Error-rate anomalies detected per operation.",
		}, []string{"operation"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coder1",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coder1",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coder1",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BackendOpsTotal,
		m.BackendOpDuration,
		m.AnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
