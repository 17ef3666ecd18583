// Package monitor samples CPU, memory and disk usage of live sandboxes and
// raises limit_exceeded events when a sample crosses a ceiling. It never
// stops or throttles a sandbox.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

const defaultInterval = 5 * time.Second

// Limit kinds carried by limit_exceeded events.
const (
	LimitCPU    = "cpu"
	LimitMemory = "memory"
	LimitDisk   = "disk"
	LimitTime   = "time"
)

// ErrNotCollecting is returned by GetMetrics for sandboxes with no active collector.
var ErrNotCollecting = fmt.Errorf("monitor: not collecting: %w", domain.ErrNotFound)

// Sandboxes is the registry surface the monitor reads and writes.
type Sandboxes interface {
	Get(id string) (*sandbox.Session, error)
	BackendStats(ctx context.Context, id string) (*sandbox.Stats, error)
	RecordUsage(id string, u sandbox.Usage) error
}

// Config configures a Monitor.
type Config struct {
	Interval time.Duration

	// DiskUsage measures a directory in bytes. Defaults to DiskUsage.
	DiskUsage func(path string) (int64, error)

	Events  events.Publisher
	Metrics *Metrics
	Logger  *slog.Logger
}

// Monitor runs one periodic sampler per sandbox.
type Monitor struct {
	sandboxes Sandboxes
	interval  time.Duration
	diskUsage func(string) (int64, error)
	events    events.Publisher
	metrics   *Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	collectors map[string]*collector
}

type collector struct {
	id     string
	path   string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	latest   sandbox.Usage
	breached map[string]bool
}

// New creates a Monitor over the given sandboxes.
func New(sandboxes Sandboxes, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.DiskUsage == nil {
		cfg.DiskUsage = DiskUsage
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		sandboxes:  sandboxes,
		interval:   cfg.Interval,
		diskUsage:  cfg.DiskUsage,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		collectors: make(map[string]*collector),
	}
}

// StartCollecting takes a first sample of the sandbox and keeps sampling it
// every interval. A second call for the same sandbox replaces the running
// sampler.
func (m *Monitor) StartCollecting(sandboxID, path string) error {
	if _, err := m.sandboxes.Get(sandboxID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{
		id:       sandboxID,
		path:     path,
		cancel:   cancel,
		done:     make(chan struct{}),
		breached: make(map[string]bool),
	}

	m.mu.Lock()
	old := m.collectors[sandboxID]
	m.collectors[sandboxID] = c
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}

	m.sample(ctx, c)
	go m.loop(ctx, c)

	m.logger.Debug("collecting sandbox metrics",
		slog.String("sandbox", sandboxID),
		slog.Duration("interval", m.interval),
	)
	return nil
}

// GetMetrics returns the most recent sample.
func (m *Monitor) GetMetrics(sandboxID string) (*sandbox.Usage, error) {
	m.mu.Lock()
	c, ok := m.collectors[sandboxID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotCollecting
	}
	c.mu.Lock()
	u := c.latest
	c.mu.Unlock()
	return &u, nil
}

// StopCollecting halts sampling. Unknown ids are ignored.
func (m *Monitor) StopCollecting(sandboxID string) {
	m.mu.Lock()
	c, ok := m.collectors[sandboxID]
	if ok {
		delete(m.collectors, sandboxID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.stop()
	if m.metrics != nil {
		m.metrics.forget(sandboxID)
	}
}

// Collecting returns the ids with an active sampler.
func (m *Monitor) Collecting() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.collectors))
	for id := range m.collectors {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every sampler.
func (m *Monitor) Close() {
	for _, id := range m.Collecting() {
		m.StopCollecting(id)
	}
}

func (c *collector) stop() {
	c.cancel()
	<-c.done
}

func (m *Monitor) loop(ctx context.Context, c *collector) {
	defer close(c.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.sample(ctx, c) {
				m.detach(c)
				return
			}
		}
	}
}

// detach removes c if it is still the registered collector for its sandbox.
func (m *Monitor) detach(c *collector) {
	m.mu.Lock()
	if m.collectors[c.id] == c {
		delete(m.collectors, c.id)
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.forget(c.id)
	}
}

// sample takes one measurement. It returns false when the sandbox is gone.
func (m *Monitor) sample(ctx context.Context, c *collector) bool {
	session, err := m.sandboxes.Get(c.id)
	if err != nil {
		m.logger.Debug("sandbox gone, stopping collection", slog.String("sandbox", c.id))
		return false
	}

	u := sandbox.Usage{SampledAt: time.Now().UTC()}
	if stats, err := m.sandboxes.BackendStats(ctx, c.id); err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Debug("backend stats failed",
				slog.String("sandbox", c.id),
				slog.String("error", err.Error()),
			)
		}
	} else if stats != nil {
		u.CPUPercent = stats.CPUPercent
		u.MemoryMB = stats.MemoryMB
		u.Processes = stats.Processes
	}

	path := c.path
	if path == "" {
		path = session.Path
	}
	if bytes, err := m.diskUsage(path); err == nil {
		u.DiskMB = float64(bytes) / (1024 * 1024)
	} else {
		m.logger.Debug("disk usage failed",
			slog.String("sandbox", c.id),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	c.latest = u
	c.mu.Unlock()

	if err := m.sandboxes.RecordUsage(c.id, u); err != nil {
		return false
	}
	if m.metrics != nil {
		m.metrics.observe(c.id, u)
	}
	m.checkLimits(c, session, u)
	return true
}

// checkLimits raises one event per limit kind when a sample crosses the
// ceiling, and re-arms once a later sample falls back under it.
func (m *Monitor) checkLimits(c *collector, s *sandbox.Session, u sandbox.Usage) {
	over := map[string]bool{
		LimitCPU:    s.Limits.MaxCPUPercent > 0 && u.CPUPercent > s.Limits.MaxCPUPercent,
		LimitMemory: s.Limits.MaxMemoryMB > 0 && u.MemoryMB > float64(s.Limits.MaxMemoryMB),
		LimitDisk:   s.Limits.MaxDiskMB > 0 && u.DiskMB > float64(s.Limits.MaxDiskMB),
		LimitTime:   s.Limits.TimeLimit > 0 && u.SampledAt.Sub(s.CreatedAt) > s.Limits.TimeLimit,
	}

	for _, kind := range []string{LimitCPU, LimitMemory, LimitDisk, LimitTime} {
		c.mu.Lock()
		was := c.breached[kind]
		c.breached[kind] = over[kind]
		c.mu.Unlock()
		if !over[kind] || was {
			continue
		}

		msg := limitMessage(kind, s.Limits, u, s.CreatedAt)
		m.logger.Warn("sandbox limit exceeded",
			slog.String("sandbox", c.id),
			slog.String("limit", kind),
			slog.String("detail", msg),
		)
		if m.metrics != nil {
			m.metrics.LimitExceeded.WithLabelValues(kind).Inc()
		}
		m.events.Publish(events.Event{
			Kind:      events.LimitExceeded,
			SandboxID: c.id,
			Limit:     kind,
			Message:   msg,
		})
	}
}

func limitMessage(kind string, l sandbox.Limits, u sandbox.Usage, created time.Time) string {
	switch kind {
	case LimitCPU:
		return fmt.Sprintf("cpu %.1f%% > %.1f%%", u.CPUPercent, l.MaxCPUPercent)
	case LimitMemory:
		return fmt.Sprintf("memory %.1fMB > %dMB", u.MemoryMB, l.MaxMemoryMB)
	case LimitDisk:
		return fmt.Sprintf("disk %.1fMB > %dMB", u.DiskMB, l.MaxDiskMB)
	default:
		return fmt.Sprintf("running %s > %s", u.SampledAt.Sub(created).Round(time.Second), l.TimeLimit)
	}
}
