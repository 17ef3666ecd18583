package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks for humans; the runtime executes in admission order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority validates p. The empty string means medium.
func ParsePriority(p string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case "", PriorityMedium:
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityCritical:
		return PriorityCritical, nil
	}
	return "", fmt.Errorf("unknown priority %q", p)
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskFailed},
	TaskAssigned:   {TaskInProgress, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed},
	TaskCompleted:  nil,
	TaskFailed:     nil,
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskRequest is what a caller submits.
type TaskRequest struct {
	Description string   `json:"description"`
	Priority    Priority `json:"priority,omitempty"`
}

// Task is a snapshot of a unit of work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	AgentID     string     `json:"agent_id,omitempty"`
	SandboxID   string     `json:"sandbox_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExitCode    int        `json:"exit_code"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	FinishedAt  time.Time  `json:"finished_at,omitzero"`
}

// transition moves t to next, refusing illegal moves. Terminal tasks never change.
func (t *Task) transition(next TaskStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("task %s: %s -> %s: %w", t.ID, t.Status, next, ErrIllegalTransition)
	}
	t.Status = next
	return nil
}

// TaskStore persists task snapshots. SaveTask is called after every transition.
type TaskStore interface {
	SaveTask(ctx context.Context, t Task) error
}
