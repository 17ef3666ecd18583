package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/config"
)

// Job names.
const (
	JobReconcile   = "reconcile"
	JobPruneEvents = "prune-events"
)

// Reconciler marks sandboxes whose backend environment disappeared.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// EventPruner deletes journal events older than a cutoff.
type EventPruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// TaskPruner drops finished tasks from memory.
type TaskPruner interface {
	PruneTasks(cutoff time.Time) int
}

// ReconcileJob builds the job that probes every runnable sandbox.
func ReconcileJob(schedule string, r Reconciler, logger *slog.Logger) Job {
	return Job{
		Name:     JobReconcile,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			broken, err := r.Reconcile(ctx)
			if broken > 0 {
				logger.WarnContext(ctx, "sandboxes lost their backend environment",
					slog.Int("count", broken),
				)
			}
			return err
		},
	}
}

// PruneJob builds the job that trims journal events and finished in-memory
// tasks older than retention. Either pruner may be nil.
func PruneJob(schedule string, retention time.Duration, events EventPruner, tasks TaskPruner, logger *slog.Logger) Job {
	return Job{
		Name:     JobPruneEvents,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().UTC().Add(-retention)
			var errs []error
			var deleted int64
			if events != nil {
				n, err := events.PruneEvents(ctx, cutoff)
				if err != nil {
					errs = append(errs, fmt.Errorf("pruning journal events: %w", err))
				}
				deleted = n
			}
			var dropped int
			if tasks != nil {
				dropped = tasks.PruneTasks(cutoff)
			}
			logger.InfoContext(ctx, "pruned history",
				slog.Time("cutoff", cutoff),
				slog.Int64("events", deleted),
				slog.Int("tasks", dropped),
			)
			return errors.Join(errs...)
		},
	}
}

// Deps are the components maintenance jobs act on.
type Deps struct {
	Sandboxes Reconciler
	Events    EventPruner
	Tasks     TaskPruner
}

// FromConfig builds a scheduler with the configured maintenance jobs. It
// returns nil when cfg is nil or disabled. A job whose dependency is
// missing is left out.
func FromConfig(cfg *config.SchedulerConfig, deps Deps, opts Options) (*Scheduler, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	s := New(opts)
	if deps.Sandboxes != nil {
		if err := s.Add(ReconcileJob(cfg.ReconcileSchedule(), deps.Sandboxes, s.logger)); err != nil {
			return nil, err
		}
	}
	if deps.Events != nil || deps.Tasks != nil {
		if err := s.Add(PruneJob(cfg.PruneSchedule(), cfg.EventRetention(), deps.Events, deps.Tasks, s.logger)); err != nil {
			return nil, err
		}
	}
	return s, nil
}
