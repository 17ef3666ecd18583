package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/config"
)

// minSamples is the smallest window population the error rate is judged on.
const minSamples = 5

// AnomalyDetector flags operations whose error rate over a sliding window
// exceeds a threshold. Operations are backend calls such as
// "process.create" or "docker.run".
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	flagged       map[string]bool
	threshold     float64
	window        time.Duration
	counter       *prometheus.CounterVec
	logger        *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		flagged:       make(map[string]bool),
		threshold:     cfg.ErrorRateThreshold,
		window:        time.Duration(secs) * time.Second,
		logger:        logger,
	}
}

// CountInto makes the detector increment m.AnomaliesTotal on each new anomaly.
func (a *AnomalyDetector) CountInto(m *MetricsCollector) {
	if a == nil || m == nil {
		return
	}
	a.mu.Lock()
	a.counter = m.AnomaliesTotal
	a.mu.Unlock()
}

// RecordError records a failed operation and re-evaluates its error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errorCounts, operation).add(1)
	a.evaluate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successCounts, operation).add(1)
	a.evaluate(operation)
}

// Anomalous reports whether operation is currently flagged.
func (a *AnomalyDetector) Anomalous(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[operation]
}

// ErrorRate returns the error fraction for operation within the window.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	errs, total := a.counts(operation)
	if total == 0 {
		return 0
	}
	return errs / total
}

func (a *AnomalyDetector) counts(operation string) (errs, total float64) {
	errs = a.windowFor(a.errorCounts, operation).sum()
	total = errs + a.windowFor(a.successCounts, operation).sum()
	return errs, total
}

// evaluate updates the flag for operation. A transition into the anomalous
// state is logged and counted once; recovery is logged at info.
// Must be called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string) {
	if a.threshold <= 0 {
		return
	}
	errs, total := a.counts(operation)
	if total < minSamples {
		return
	}

	rate := errs / total
	was := a.flagged[operation]
	now := rate > a.threshold
	a.flagged[operation] = now

	switch {
	case now && !was:
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
		if a.counter != nil {
			a.counter.WithLabelValues(operation).Inc()
		}
	case was && !now:
		a.logger.Info("error rate recovered",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
