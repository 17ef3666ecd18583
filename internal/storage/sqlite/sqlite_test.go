package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "journal.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)

	task := agent.Task{
		ID:          "task-1",
		Description: "Build the login form",
		Priority:    agent.PriorityHigh,
		AgentID:     "agent-1",
		SandboxID:   "sb-1",
		Status:      agent.TaskAssigned,
		CreatedAt:   created,
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	task.Status = agent.TaskFailed
	task.Error = "exit status 2"
	task.ExitCode = 2
	task.StartedAt = created.Add(time.Second)
	task.FinishedAt = created.Add(2 * time.Second)
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != agent.TaskFailed || got.ExitCode != 2 || got.Error != "exit status 2" {
		t.Errorf("task = %+v", got)
	}
	if got.Description != task.Description || got.Priority != agent.PriorityHigh {
		t.Errorf("immutable fields changed: %+v", got)
	}
	if !got.FinishedAt.Equal(task.FinishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, task.FinishedAt)
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Errorf("GetTask(missing) err = %v", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seed := []agent.Task{
		{ID: "t1", Description: "a", Priority: agent.PriorityLow, AgentID: "a1", Status: agent.TaskCompleted, CreatedAt: base},
		{ID: "t2", Description: "b", Priority: agent.PriorityLow, AgentID: "a1", Status: agent.TaskFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "t3", Description: "c", Priority: agent.PriorityLow, AgentID: "a2", Status: agent.TaskCompleted, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, task := range seed {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask %s: %v", task.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter storage.TaskFilter
		want   []string
	}{
		{"all newest first", storage.TaskFilter{}, []string{"t3", "t2", "t1"}},
		{"by agent", storage.TaskFilter{AgentID: "a1"}, []string{"t2", "t1"}},
		{"by status", storage.TaskFilter{Status: agent.TaskCompleted}, []string{"t3", "t1"}},
		{"limit", storage.TaskFilter{Limit: 1}, []string{"t3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tasks, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestEventsSaveListPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []events.Event{
		{ID: "e1", Kind: events.SandboxCreated, SandboxID: "sb-1", At: now.Add(-72 * time.Hour)},
		{ID: "e2", Kind: events.LimitExceeded, SandboxID: "sb-1", Limit: "memory", At: now.Add(-time.Hour)},
		{ID: "e3", Kind: events.TaskCompleted, AgentID: "a1", TaskID: "t1", At: now},
	}
	for _, ev := range seed {
		if err := s.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}
	// Replays of the same id are ignored.
	if err := s.SaveEvent(ctx, seed[2]); err != nil {
		t.Fatalf("SaveEvent replay: %v", err)
	}
	// Missing id and time are filled in.
	if err := s.SaveEvent(ctx, events.Event{Kind: events.AgentSpawned, AgentID: "a2"}); err != nil {
		t.Fatalf("SaveEvent without id: %v", err)
	}

	all, err := s.ListEvents(ctx, storage.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("ListEvents = %d, want 4", len(all))
	}

	limits, err := s.ListEvents(ctx, storage.EventFilter{Kind: events.LimitExceeded})
	if err != nil {
		t.Fatal(err)
	}
	if len(limits) != 1 || limits[0].Limit != "memory" {
		t.Errorf("limit events = %+v", limits)
	}

	recent, err := s.ListEvents(ctx, storage.EventFilter{SandboxID: "sb-1", Since: now.Add(-2 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ID != "e2" {
		t.Errorf("recent sandbox events = %+v", recent)
	}

	n, err := s.PruneEvents(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

func TestPingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
}
