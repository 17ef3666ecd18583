package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
)

type memSink struct {
	mu     sync.Mutex
	saved  []events.Event
	failOn events.Kind
}

func (m *memSink) SaveEvent(_ context.Context, ev events.Event) error {
	if ev.Kind == m.failOn {
		return errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, ev)
	return nil
}

func (m *memSink) kinds() []events.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Kind, len(m.saved))
	for i, ev := range m.saved {
		out[i] = ev.Kind
	}
	return out
}

func TestRecorder_PersistsAndSkipsOutput(t *testing.T) {
	sink := &memSink{failOn: events.AgentStatus}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)

	done := make(chan struct{})
	go func() {
		NewRecorder(sink, nil).Run(context.Background(), ch)
		close(done)
	}()

	bus.Publish(events.Event{Kind: events.SandboxCreated, SandboxID: "sb-1"})
	bus.Publish(events.Event{Kind: events.Output, AgentID: "a1", Message: "hello"})
	bus.Publish(events.Event{Kind: events.AgentStatus, AgentID: "a1"})
	bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: "t1"})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop after channel close")
	}

	got := sink.kinds()
	want := []events.Kind{events.SandboxCreated, events.TaskCompleted}
	if len(got) != len(want) {
		t.Fatalf("saved = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRecorder_KeepOutput(t *testing.T) {
	sink := &memSink{}
	ch := make(chan events.Event, 1)
	ch <- events.Event{Kind: events.Output, Message: "line"}
	close(ch)

	r := NewRecorder(sink, nil)
	r.KeepOutput = true
	r.Run(context.Background(), ch)

	if got := sink.kinds(); len(got) != 1 || got[0] != events.Output {
		t.Errorf("saved = %v", got)
	}
}

func TestRecorder_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Channel never closes; Run must return because ctx is done.
	NewRecorder(&memSink{}, nil).Run(ctx, make(chan events.Event))
}
