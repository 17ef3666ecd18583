package postgres

import (
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
)

func toTaskModel(t agent.Task) TaskModel {
	return TaskModel{
		ID:          t.ID,
		AgentID:     t.AgentID,
		SandboxID:   t.SandboxID,
		Description: t.Description,
		Priority:    string(t.Priority),
		Status:      string(t.Status),
		Result:      t.Result,
		Error:       t.Error,
		ExitCode:    t.ExitCode,
		CreatedAt:   t.CreatedAt,
		StartedAt:   timePtr(t.StartedAt),
		FinishedAt:  timePtr(t.FinishedAt),
	}
}

func toTaskDomain(m *TaskModel) agent.Task {
	return agent.Task{
		ID:          m.ID,
		AgentID:     m.AgentID,
		SandboxID:   m.SandboxID,
		Description: m.Description,
		Priority:    agent.Priority(m.Priority),
		Status:      agent.TaskStatus(m.Status),
		Result:      m.Result,
		Error:       m.Error,
		ExitCode:    m.ExitCode,
		CreatedAt:   m.CreatedAt.UTC(),
		StartedAt:   timeVal(m.StartedAt),
		FinishedAt:  timeVal(m.FinishedAt),
	}
}

func toEventModel(ev events.Event) EventModel {
	return EventModel{
		ID:        ev.ID,
		Kind:      string(ev.Kind),
		SandboxID: ev.SandboxID,
		AgentID:   ev.AgentID,
		TaskID:    ev.TaskID,
		Limit:     ev.Limit,
		Status:    ev.Status,
		Message:   ev.Message,
		At:        ev.At,
	}
}

func toEventDomain(m *EventModel) events.Event {
	return events.Event{
		ID:        m.ID,
		Kind:      events.Kind(m.Kind),
		SandboxID: m.SandboxID,
		AgentID:   m.AgentID,
		TaskID:    m.TaskID,
		Limit:     m.Limit,
		Status:    m.Status,
		Message:   m.Message,
		At:        m.At.UTC(),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
