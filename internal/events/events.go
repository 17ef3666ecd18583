// Package events carries lifecycle notifications from the registry, monitor
// and agent runtime to whoever subscribes (journal, notifications, the live
// event stream). Publishing never blocks the emitting component.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	SandboxCreated   Kind = "sandbox_created"
	SandboxStatus    Kind = "sandbox_status"
	SandboxDestroyed Kind = "sandbox_destroyed"
	LimitExceeded    Kind = "limit_exceeded"
	AgentSpawned     Kind = "agent_spawned"
	AgentStatus      Kind = "agent_status"
	AgentStopped     Kind = "agent_stopped"
	TaskAssigned     Kind = "task_assigned"
	TaskStarted      Kind = "task_started"
	TaskCompleted    Kind = "task_completed"
	TaskFailed       Kind = "task_failed"
	Output           Kind = "output"
)

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{
		SandboxCreated, SandboxStatus, SandboxDestroyed, LimitExceeded,
		AgentSpawned, AgentStatus, AgentStopped,
		TaskAssigned, TaskStarted, TaskCompleted, TaskFailed, Output,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// Event is a single notification. Fields that do not apply to a kind are empty.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Limit     string    `json:"limit,omitempty"` // cpu, memory, disk or time.
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps and delivers ev to every subscriber. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
