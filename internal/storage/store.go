// Package storage defines the journal: durable history of tasks and
// lifecycle events. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
)

// Store is the journal persistence interface. Both SQLite and PostgreSQL
// backends implement it.
type Store interface {
	// SaveTask upserts a task snapshot. It satisfies agent.TaskStore.
	SaveTask(ctx context.Context, t agent.Task) error
	GetTask(ctx context.Context, id string) (*agent.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]agent.Task, error)

	SaveEvent(ctx context.Context, ev events.Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]events.Event, error)
	// PruneEvents deletes events recorded before the cutoff and returns how many went.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	AgentID string
	Status  agent.TaskStatus
	Limit   int // Default: 100.
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Kind      events.Kind
	SandboxID string
	AgentID   string
	TaskID    string
	Since     time.Time
	Limit     int // Default: 100.
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

var _ agent.TaskStore = (Store)(nil)
