//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestTaskUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	agentID := uuid.NewString()

	task := agent.Task{
		ID:          uuid.NewString(),
		Description: "Add a REST endpoint",
		Priority:    agent.PriorityHigh,
		AgentID:     agentID,
		Status:      agent.TaskAssigned,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	task.Status = agent.TaskCompleted
	task.Result = "done"
	task.FinishedAt = time.Now().UTC()
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != agent.TaskCompleted || got.Result != "done" || got.FinishedAt.IsZero() {
		t.Errorf("task = %+v", got)
	}

	list, err := s.ListTasks(ctx, storage.TaskFilter{AgentID: agentID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListTasks = %d rows, want 1", len(list))
	}

	if _, err := s.GetTask(ctx, uuid.NewString()); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Errorf("missing task err = %v", err)
	}
}

func TestEventPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sandboxID := uuid.NewString()
	old := time.Now().UTC().Add(-48 * time.Hour)

	for _, at := range []time.Time{old, time.Now().UTC()} {
		if err := s.SaveEvent(ctx, events.Event{Kind: events.SandboxCreated, SandboxID: sandboxID, At: at}); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}
	if _, err := s.PruneEvents(ctx, time.Now().UTC().Add(-24*time.Hour)); err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	got, err := s.ListEvents(ctx, storage.EventFilter{SandboxID: sandboxID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("events after prune = %d, want 1", len(got))
	}
}
