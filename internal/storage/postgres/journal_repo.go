package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
)

// JournalRepository implements task and event persistence over GORM. The
// SQLite backend reuses it unchanged.
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository creates a JournalRepository.
func NewJournalRepository(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// SaveTask upserts a task snapshot keyed by id.
func (r *JournalRepository) SaveTask(ctx context.Context, t agent.Task) error {
	model := toTaskModel(t)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"agent_id", "sandbox_id", "status", "result", "error",
				"exit_code", "started_at", "finished_at", "updated_at",
			}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (r *JournalRepository) GetTask(ctx context.Context, id string) (*agent.Task, error) {
	var model TaskModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", agent.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	t := toTaskDomain(&model)
	return &t, nil
}

// ListTasks returns tasks newest first.
func (r *JournalRepository) ListTasks(ctx context.Context, f storage.TaskFilter) ([]agent.Task, error) {
	q := r.db.WithContext(ctx).Model(&TaskModel{})
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var models []TaskModel
	if err := q.Order("created_at DESC").Limit(limitOr(f.Limit)).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	tasks := make([]agent.Task, len(models))
	for i := range models {
		tasks[i] = toTaskDomain(&models[i])
	}
	return tasks, nil
}

// SaveEvent appends an event. Events without an id get one; replays of the
// same id are ignored.
func (r *JournalRepository) SaveEvent(ctx context.Context, ev events.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	model := toEventModel(ev)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving event %s: %w", ev.Kind, err)
	}
	return nil
}

// ListEvents returns events newest first.
func (r *JournalRepository) ListEvents(ctx context.Context, f storage.EventFilter) ([]events.Event, error) {
	q := r.db.WithContext(ctx).Model(&EventModel{})
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if f.SandboxID != "" {
		q = q.Where("sandbox_id = ?", f.SandboxID)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if !f.Since.IsZero() {
		q = q.Where("at >= ?", f.Since)
	}

	var models []EventModel
	if err := q.Order("at DESC").Limit(limitOr(f.Limit)).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	out := make([]events.Event, len(models))
	for i := range models {
		out[i] = toEventDomain(&models[i])
	}
	return out, nil
}

// PruneEvents hard-deletes events older than before.
func (r *JournalRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("at < ?", before).Delete(&EventModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func limitOr(n int) int {
	if n <= 0 {
		return storage.DefaultListLimit
	}
	return n
}
