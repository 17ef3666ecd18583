// Package sandbox owns the live set of isolated execution environments.
// A Registry creates, runs commands in, resets and destroys sandboxes; the
// environments themselves are provided by a Backend (process, docker, tmux).
package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// transitions lists the legal next states for each state. Stopped is terminal.
var transitions = map[Status][]Status{
	StatusSpawning: {StatusRunning, StatusError},
	StatusRunning:  {StatusIdle, StatusStopped, StatusError},
	StatusIdle:     {StatusRunning, StatusStopped, StatusError},
	StatusError:    {StatusStopped},
	StatusStopped:  nil,
}

// CanTransition reports whether a sandbox may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Runnable reports whether commands may execute in this state.
func (s Status) Runnable() bool {
	return s == StatusRunning || s == StatusIdle
}

// ParseStatus validates a status string.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("unknown sandbox status %q", v)
	}
	return s, nil
}

var (
	// ErrSandboxNotFound is returned for unknown or destroyed sandbox ids.
	ErrSandboxNotFound = fmt.Errorf("sandbox: %w", domain.ErrNotFound)

	// ErrSandboxNotRunning is returned when the sandbox state disallows execution.
	ErrSandboxNotRunning = fmt.Errorf("sandbox not running: %w", domain.ErrBusy)

	// ErrIllegalTransition is returned when a status change is not allowed.
	ErrIllegalTransition = fmt.Errorf("illegal sandbox transition: %w", domain.ErrBusy)

	// ErrEmptyCommand is returned by Run for a command without arguments.
	ErrEmptyCommand = errors.New("empty command")
)

// Limits is the resource ceiling of a sandbox. Zero means unlimited.
type Limits struct {
	MaxCPUPercent float64       `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxMemoryMB   int           `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxDiskMB     int           `json:"max_disk_mb" yaml:"max_disk_mb"`
	TimeLimit     time.Duration `json:"time_limit" yaml:"time_limit"`
}

// Merge returns l with every non-zero field of override applied.
func (l Limits) Merge(override Limits) Limits {
	if override.MaxCPUPercent > 0 {
		l.MaxCPUPercent = override.MaxCPUPercent
	}
	if override.MaxMemoryMB > 0 {
		l.MaxMemoryMB = override.MaxMemoryMB
	}
	if override.MaxDiskMB > 0 {
		l.MaxDiskMB = override.MaxDiskMB
	}
	if override.TimeLimit > 0 {
		l.TimeLimit = override.TimeLimit
	}
	return l
}

// Exceeds reports the first field of l that is above max (where max sets
// a bound), or "" if l fits.
func (l Limits) Exceeds(max Limits) string {
	switch {
	case max.MaxCPUPercent > 0 && l.MaxCPUPercent > max.MaxCPUPercent:
		return "cpu"
	case max.MaxMemoryMB > 0 && l.MaxMemoryMB > max.MaxMemoryMB:
		return "memory"
	case max.MaxDiskMB > 0 && l.MaxDiskMB > max.MaxDiskMB:
		return "disk"
	case max.TimeLimit > 0 && l.TimeLimit > max.TimeLimit:
		return "time"
	}
	return ""
}

// DefaultLimits is applied when a Config leaves a ceiling unset.
var DefaultLimits = Limits{
	MaxCPUPercent: 50,
	MaxMemoryMB:   1024,
	MaxDiskMB:     2048,
}

// Usage is a resource sample.
type Usage struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	DiskMB     float64   `json:"disk_mb"`
	Processes  int       `json:"processes"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Config describes a sandbox to create.
type Config struct {
	OwnerID   string `json:"owner_id"`
	ProjectID string `json:"project_id"`
	Limits    Limits `json:"limits"`
}

// Session is a snapshot of one sandbox. Values returned by the Registry
// are copies; mutating them has no effect on the registry.
type Session struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	ProjectID    string    `json:"project_id"`
	Path         string    `json:"path"`
	Backend      string    `json:"backend"`
	Handle       *Handle   `json:"-"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Limits       Limits    `json:"limits"`
	Usage        Usage     `json:"usage"`
	Processes    int       `json:"processes"`
	LastError    string    `json:"last_error,omitempty"`
}

// Config returns the configuration the session was created with.
func (s *Session) Config() Config {
	return Config{OwnerID: s.OwnerID, ProjectID: s.ProjectID, Limits: s.Limits}
}

// Command is a structured argument list run inside a sandbox.
type Command struct {
	Args    []string          // Program and arguments. Never interpreted by a shell.
	Dir     string            // Working directory relative to the sandbox root.
	Env     map[string]string // Added on top of the backend's sanitized environment.
	Timeout time.Duration     // Zero uses the backend default.
}

// String renders the command for logs.
func (c Command) String() string {
	return fmt.Sprintf("%q", c.Args)
}

// Output is the captured result of a command. A non-zero exit code is a
// result, not an error.
type Output struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited zero.
func (o *Output) Success() bool {
	return o != nil && o.ExitCode == 0
}
