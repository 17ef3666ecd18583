package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
)

// ErrNoMerger is returned by Diff, Merge and Promote when no merge service is attached.
var ErrNoMerger = errors.New("sandbox: no merge service attached")

// Merger performs diff, merge and promotion for a sandbox. The registry
// delegates to it; see UseMerger.
type Merger interface {
	Diff(ctx context.Context, id string) (string, error)
	Merge(ctx context.Context, id string) error
	Promote(ctx context.Context, id, target string) (*Promotion, error)
}

// Promotion describes a completed promote.
type Promotion struct {
	SandboxID string `json:"sandbox_id"`
	Target    string `json:"target"`
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
	Digest    string `json:"digest"` // Hex BLAKE3 over sorted paths and contents.
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Backend Backend

	// Dir holds one working tree per sandbox, named by id.
	Dir string

	// Defaults fills ceilings a Config leaves unset. Zero uses DefaultLimits.
	Defaults Limits

	// Max is the largest ceiling a sandbox may request. Zero fields are unbounded.
	Max Limits

	// MaxSandboxes caps live sandboxes. Zero is unlimited.
	MaxSandboxes int

	Events  events.Publisher
	Metrics *Metrics
	Logger  *slog.Logger
}

type entry struct {
	exec    sync.Mutex // Serializes backend work on this sandbox.
	session Session    // Guarded by Registry.mu.
}

// Registry owns the live set of sandboxes. It is safe for concurrent use:
// commands on one sandbox run one at a time, distinct sandboxes run
// concurrently.
type Registry struct {
	backend  Backend
	dir      string
	defaults Limits
	max      Limits
	maxLive  int
	events   events.Publisher
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	retired  map[string]struct{}
	merger   Merger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "coder1-sandboxes")
	}
	if cfg.Defaults == (Limits{}) {
		cfg.Defaults = DefaultLimits
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		backend:  cfg.Backend,
		dir:      cfg.Dir,
		defaults: cfg.Defaults,
		max:      cfg.Max,
		maxLive:  cfg.MaxSandboxes,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		sessions: make(map[string]*entry),
		retired:  make(map[string]struct{}),
	}
}

// UseMerger attaches the service Diff, Merge and Promote delegate to.
func (r *Registry) UseMerger(m Merger) {
	r.mu.Lock()
	r.merger = m
	r.mu.Unlock()
}

// Backend returns the isolation backend.
func (r *Registry) Backend() Backend { return r.backend }

// Create provisions a new sandbox. The returned session is running.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Session, error) {
	limits := r.defaults.Merge(cfg.Limits)
	if kind := limits.Exceeds(r.max); kind != "" {
		r.countCreate("exhausted")
		return nil, fmt.Errorf("%s ceiling above registry maximum: %w", kind, domain.ErrResourceExhausted)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	if r.maxLive > 0 && len(r.sessions) >= r.maxLive {
		r.mu.Unlock()
		r.countCreate("exhausted")
		return nil, fmt.Errorf("%d sandboxes live: %w", r.maxLive, domain.ErrResourceExhausted)
	}
	id := r.newIDLocked()
	e := &entry{session: Session{
		ID:           id,
		OwnerID:      cfg.OwnerID,
		ProjectID:    cfg.ProjectID,
		Path:         filepath.Join(r.dir, id),
		Backend:      r.backend.Name(),
		Status:       StatusSpawning,
		CreatedAt:    now,
		LastActivity: now,
		Limits:       limits,
	}}
	r.sessions[id] = e
	r.updateGaugeLocked()
	r.mu.Unlock()

	// Creation is serialized with any command racing on the new id.
	e.exec.Lock()
	defer e.exec.Unlock()

	h, err := r.backend.Create(ctx, Spec{ID: id, Path: e.session.Path, Limits: limits})
	if err != nil {
		r.mu.Lock()
		_ = r.transitionLocked(e, StatusError, err.Error())
		_ = r.transitionLocked(e, StatusStopped, "")
		delete(r.sessions, id)
		r.retired[id] = struct{}{}
		r.updateGaugeLocked()
		r.mu.Unlock()

		r.countCreate("backend_error")
		r.logger.Warn("sandbox create failed",
			slog.String("sandbox", id),
			slog.String("backend", r.backend.Name()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("creating sandbox: %w: %w", domain.ErrBackendUnavailable, err)
	}

	r.mu.Lock()
	if _, live := r.sessions[id]; !live {
		// Destroyed while spawning.
		r.mu.Unlock()
		if derr := r.backend.Destroy(context.WithoutCancel(ctx), h); derr != nil {
			r.logger.Warn("destroying orphaned sandbox", slog.String("sandbox", id), slog.String("error", derr.Error()))
		}
		return nil, ErrSandboxNotFound
	}
	e.session.Handle = h
	e.session.Path = h.Path
	_ = r.transitionLocked(e, StatusRunning, "")
	snapshot := e.session
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.countCreate("ok")
	r.events.Publish(events.Event{
		Kind:      events.SandboxCreated,
		SandboxID: id,
		Status:    string(StatusRunning),
		Message:   cfg.ProjectID,
	})
	r.logger.Info("sandbox created",
		slog.String("sandbox", id),
		slog.String("owner", cfg.OwnerID),
		slog.String("project", cfg.ProjectID),
		slog.String("backend", r.backend.Name()),
		slog.String("path", snapshot.Path),
	)
	return &snapshot, nil
}

// Get returns a snapshot of the sandbox. It never touches the backend.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	s := e.session
	return &s, nil
}

// List returns snapshots of every live sandbox ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Run executes cmd in the sandbox and returns its captured output. A
// non-zero exit is reported in Output, not as an error.
func (r *Registry) Run(ctx context.Context, id string, cmd Command) (*Output, error) {
	if len(cmd.Args) == 0 {
		return nil, ErrEmptyCommand
	}
	var out *Output
	err := r.Exclusive(id, func(s *Session) error {
		r.mu.Lock()
		if e, ok := r.sessions[id]; ok && e.session.Status == StatusIdle {
			_ = r.transitionLocked(e, StatusRunning, "")
		}
		r.mu.Unlock()

		start := time.Now()
		var runErr error
		out, runErr = r.backend.Run(ctx, s.Handle, cmd)
		r.observeCommand(out, runErr, time.Since(start))

		r.mu.Lock()
		if e, ok := r.sessions[id]; ok && e.session.Status == StatusRunning {
			_ = r.transitionLocked(e, StatusIdle, "")
		}
		r.mu.Unlock()
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Exclusive runs fn while holding the sandbox's execution lock. fn receives
// a snapshot of a runnable session; last activity is refreshed afterwards.
func (r *Registry) Exclusive(id string, fn func(s *Session) error) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSandboxNotFound
	}

	e.exec.Lock()
	defer e.exec.Unlock()

	r.mu.Lock()
	if _, live := r.sessions[id]; !live {
		r.mu.Unlock()
		return ErrSandboxNotFound
	}
	if !e.session.Status.Runnable() {
		status := e.session.Status
		r.mu.Unlock()
		return fmt.Errorf("sandbox %s is %s: %w", id, status, ErrSandboxNotRunning)
	}
	e.session.LastActivity = time.Now().UTC()
	snapshot := e.session
	r.mu.Unlock()

	err := fn(&snapshot)

	r.mu.Lock()
	e.session.LastActivity = time.Now().UTC()
	r.mu.Unlock()
	return err
}

// Reset destroys the sandbox and creates a fresh one with the same
// configuration. The old id is permanently invalid.
func (r *Registry) Reset(ctx context.Context, id string) (*Session, error) {
	old, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := r.Destroy(ctx, id); err != nil {
		r.logger.Warn("reset: destroy reported an error",
			slog.String("sandbox", id),
			slog.String("error", err.Error()),
		)
	}
	fresh, err := r.Create(ctx, old.Config())
	if err != nil {
		return nil, fmt.Errorf("reset %s: %w", id, err)
	}
	r.logger.Info("sandbox reset", slog.String("old", id), slog.String("new", fresh.ID))
	return fresh, nil
}

// Destroy tears down the sandbox and forgets it. Destroying an absent id
// is a no-op. In-flight commands are not waited for.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if !e.session.Status.CanTransition(StatusStopped) {
		_ = r.transitionLocked(e, StatusError, "destroyed while spawning")
	}
	_ = r.transitionLocked(e, StatusStopped, "")
	h := e.session.Handle
	delete(r.sessions, id)
	r.retired[id] = struct{}{}
	r.updateGaugeLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.DestroysTotal.Inc()
	}
	r.events.Publish(events.Event{Kind: events.SandboxDestroyed, SandboxID: id, Status: string(StatusStopped)})
	r.logger.Info("sandbox destroyed", slog.String("sandbox", id))

	if h == nil {
		return nil
	}
	if err := r.backend.Destroy(ctx, h); err != nil {
		return fmt.Errorf("destroying sandbox %s: %w", id, err)
	}
	return nil
}

// Diff returns the sandbox's changes against its base.
func (r *Registry) Diff(ctx context.Context, id string) (string, error) {
	m, err := r.mergerFor(id)
	if err != nil {
		return "", err
	}
	return m.Diff(ctx, id)
}

// Merge applies the sandbox's changes onto the base.
func (r *Registry) Merge(ctx context.Context, id string) error {
	m, err := r.mergerFor(id)
	if err != nil {
		return err
	}
	return m.Merge(ctx, id)
}

// Promote copies the sandbox's materialized tree to target.
func (r *Registry) Promote(ctx context.Context, id, target string) (*Promotion, error) {
	m, err := r.mergerFor(id)
	if err != nil {
		return nil, err
	}
	return m.Promote(ctx, id, target)
}

func (r *Registry) mergerFor(id string) (Merger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[id]; !ok {
		return nil, ErrSandboxNotFound
	}
	if r.merger == nil {
		return nil, ErrNoMerger
	}
	return r.merger, nil
}

// RecordUsage stores a resource sample on the session.
func (r *Registry) RecordUsage(id string, u Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrSandboxNotFound
	}
	e.session.Usage = u
	e.session.Processes = u.Processes
	return nil
}

// BackendStats asks the backend for a live sample. It returns nil, nil when
// the backend cannot report stats. It does not take the execution lock.
func (r *Registry) BackendStats(ctx context.Context, id string) (*Stats, error) {
	reporter, ok := r.backend.(StatsReporter)
	if !ok {
		return nil, nil
	}
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Handle == nil {
		return nil, nil
	}
	return reporter.Stats(ctx, s.Handle)
}

// Reconcile marks runnable sandboxes whose backend environment has
// disappeared as error. It returns how many were marked.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	var broken int
	var errs []error
	for _, s := range r.List() {
		if !s.Status.Runnable() || s.Handle == nil {
			continue
		}
		alive, err := r.backend.Alive(ctx, s.Handle)
		if err != nil {
			errs = append(errs, fmt.Errorf("probing %s: %w", s.ID, err))
			continue
		}
		if alive {
			continue
		}
		r.mu.Lock()
		if e, ok := r.sessions[s.ID]; ok {
			if r.transitionLocked(e, StatusError, "backend environment disappeared") == nil {
				broken++
			}
			r.updateGaugeLocked()
		}
		r.mu.Unlock()
	}
	if broken > 0 && r.metrics != nil {
		r.metrics.ReconciledBroken.Add(float64(broken))
	}
	return broken, errors.Join(errs...)
}

// Close destroys every live sandbox.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, s := range r.List() {
		if err := r.Destroy(ctx, s.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transitionLocked moves e to next, recording reason on error states.
// Callers hold r.mu.
func (r *Registry) transitionLocked(e *entry, next Status, reason string) error {
	cur := e.session.Status
	if !cur.CanTransition(next) {
		return fmt.Errorf("%s -> %s: %w", cur, next, ErrIllegalTransition)
	}
	e.session.Status = next
	e.session.LastActivity = time.Now().UTC()
	if next == StatusError {
		e.session.LastError = reason
	}
	// Running <-> idle flips on every command; only lifecycle changes are published.
	if next != StatusIdle && !(cur == StatusIdle && next == StatusRunning) {
		r.events.Publish(events.Event{
			Kind:      events.SandboxStatus,
			SandboxID: e.session.ID,
			Status:    string(next),
			Message:   reason,
		})
	}
	r.updateGaugeLocked()
	return nil
}

// newIDLocked returns an id never handed out by this registry.
func (r *Registry) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, live := r.sessions[id]; live {
			continue
		}
		if _, used := r.retired[id]; used {
			continue
		}
		return id
	}
}

func (r *Registry) updateGaugeLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[Status]int, len(transitions))
	for _, e := range r.sessions {
		counts[e.session.Status]++
	}
	for status := range transitions {
		r.metrics.Live.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (r *Registry) countCreate(outcome string) {
	if r.metrics != nil {
		r.metrics.CreatesTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Registry) observeCommand(out *Output, err error, d time.Duration) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case out.ExitCode != 0:
		outcome = "nonzero"
	}
	r.metrics.CommandsTotal.WithLabelValues(outcome).Inc()
	r.metrics.CommandDuration.Observe(d.Seconds())
}
