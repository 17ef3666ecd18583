// Package agent maps typed AI coding agents onto sandboxes and runs one task
// at a time on each of them.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
)

var (
	// ErrAgentNotFound is returned for unknown or stopped agent ids.
	ErrAgentNotFound = fmt.Errorf("agent: %w", domain.ErrNotFound)

	// ErrAgentBusy is returned when an agent cannot accept a task in its current state.
	ErrAgentBusy = fmt.Errorf("agent busy: %w", domain.ErrBusy)

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = fmt.Errorf("task: %w", domain.ErrNotFound)

	// ErrUnknownRole is returned by SpawnAgent for a type with no role profile.
	ErrUnknownRole = errors.New("unknown agent type")

	// ErrEmptyTask is returned when a task has no description.
	ErrEmptyTask = errors.New("task description is empty")

	// ErrIllegalTransition is returned when a state change is not allowed.
	ErrIllegalTransition = fmt.Errorf("illegal transition: %w", domain.ErrBusy)

	// ErrRuntimeClosed is returned after Close.
	ErrRuntimeClosed = errors.New("agent runtime closed")
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusWorking      Status = "working"
	StatusIdle         Status = "idle"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

var agentTransitions = map[Status][]Status{
	StatusInitializing: {StatusReady, StatusError, StatusStopped},
	StatusReady:        {StatusWorking, StatusStopped, StatusError},
	StatusWorking:      {StatusIdle, StatusStopped, StatusError},
	StatusIdle:         {StatusWorking, StatusStopped, StatusError},
	StatusError:        {StatusStopped},
	StatusStopped:      nil,
}

// CanTransition reports whether an agent may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range agentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Available reports whether the agent can accept a task.
func (s Status) Available() bool {
	return s == StatusReady || s == StatusIdle
}

// Agent is a snapshot of one agent session.
type Agent struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Role           Role      `json:"role"`
	ProjectID      string    `json:"project_id"`
	SandboxID      string    `json:"sandbox_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	TasksCompleted int       `json:"tasks_completed"`
	CurrentTask    string    `json:"current_task,omitempty"` // Set iff Status is working.
	LastError      string    `json:"last_error,omitempty"`
}

// Stream classifies an output line.
type Stream string

const (
	StreamSystem Stream = "system"
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamError  Stream = "error"
)

// OutputLine is one entry in an agent's append-only output log.
type OutputLine struct {
	At     time.Time `json:"at"`
	TaskID string    `json:"task_id,omitempty"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}
