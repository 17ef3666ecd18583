package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/observability"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
)

type fakeAgents struct {
	tasks []agent.Task
}

func (f *fakeAgents) ListAgents() []agent.Agent { return nil }
func (f *fakeAgents) GetAgent(id string) (*agent.Agent, error) {
	return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, id)
}
func (f *fakeAgents) GetAgentOutput(id string) ([]agent.OutputLine, error) {
	return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, id)
}
func (f *fakeAgents) ListTasks(agentID string) []agent.Task {
	var out []agent.Task
	for _, t := range f.tasks {
		if agentID == "" || t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}
func (f *fakeAgents) GetTask(id string) (*agent.Task, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", agent.ErrTaskNotFound, id)
}

type fakeJournal struct {
	tasks  map[string]agent.Task
	filter storage.TaskFilter
}

func (f *fakeJournal) GetTask(_ context.Context, id string) (*agent.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrTaskNotFound, id)
	}
	return &t, nil
}

func (f *fakeJournal) ListTasks(_ context.Context, filter storage.TaskFilter) ([]agent.Task, error) {
	f.filter = filter
	return nil, nil
}

func (f *fakeJournal) ListEvents(context.Context, storage.EventFilter) ([]events.Event, error) {
	return nil, nil
}

var (
	_ Agents     = (*fakeAgents)(nil)
	_ Journal    = (*fakeJournal)(nil)
	_ Subscriber = (*events.Bus)(nil)
	_ Journal    = (storage.Store)(nil)
)

func TestListTasks_InMemory(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agents := &fakeAgents{tasks: []agent.Task{
		{ID: "t1", AgentID: "a1", Status: agent.TaskCompleted, CreatedAt: base},
		{ID: "t2", AgentID: "a1", Status: agent.TaskFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "t3", AgentID: "a2", Status: agent.TaskCompleted, CreatedAt: base.Add(2 * time.Minute)},
	}}
	s := New(Config{}, Deps{Agents: agents}, nil)

	got, err := s.listTasks(context.Background(), storage.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "t3" || got[2].ID != "t1" {
		t.Errorf("order = %v", ids(got))
	}

	got, _ = s.listTasks(context.Background(), storage.TaskFilter{AgentID: "a1", Status: agent.TaskCompleted})
	if len(got) != 1 || got[0].ID != "t1" {
		t.Errorf("filtered = %v", ids(got))
	}

	got, _ = s.listTasks(context.Background(), storage.TaskFilter{Limit: 2})
	if len(got) != 2 {
		t.Errorf("limited = %v", ids(got))
	}
}

func TestListTasks_PrefersJournal(t *testing.T) {
	journal := &fakeJournal{}
	s := New(Config{}, Deps{Agents: &fakeAgents{}, Journal: journal}, nil)
	want := storage.TaskFilter{AgentID: "a1", Limit: 5}
	if _, err := s.listTasks(context.Background(), want); err != nil {
		t.Fatal(err)
	}
	if journal.filter != want {
		t.Errorf("journal filter = %+v", journal.filter)
	}
}

func TestGetTask_FallsBackToJournal(t *testing.T) {
	journal := &fakeJournal{tasks: map[string]agent.Task{"old": {ID: "old", Status: agent.TaskCompleted}}}
	s := New(Config{}, Deps{Agents: &fakeAgents{}, Journal: journal}, nil)

	got, err := s.getTask(context.Background(), "old")
	if err != nil || got.ID != "old" {
		t.Fatalf("getTask = %+v, %v", got, err)
	}
	if _, err := s.getTask(context.Background(), "missing"); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Errorf("missing err = %v", err)
	}

	s = New(Config{}, Deps{Agents: &fakeAgents{}}, nil)
	if _, err := s.getTask(context.Background(), "old"); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Errorf("without journal err = %v", err)
	}
}

func TestParseTaskFilter(t *testing.T) {
	tests := []struct {
		query   string
		want    storage.TaskFilter
		wantErr bool
	}{
		{"", storage.TaskFilter{}, false},
		{"agent=a1&status=failed&limit=20", storage.TaskFilter{AgentID: "a1", Status: agent.TaskFailed, Limit: 20}, false},
		{"limit=5000", storage.TaskFilter{Limit: maxListLimit}, false},
		{"status=exploded", storage.TaskFilter{}, true},
		{"limit=-1", storage.TaskFilter{}, true},
		{"limit=ten", storage.TaskFilter{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			got, err := parseTaskFilter(q)
			if tt.wantErr {
				if !errors.Is(err, errBadQuery) {
					t.Errorf("err = %v, want errBadQuery", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %+v, %v; want %+v", got, err, tt.want)
			}
		})
	}
}

func TestParseEventFilter(t *testing.T) {
	q, _ := url.ParseQuery("kind=limit_exceeded&sandbox=s1&since=1h&limit=10")
	f, err := parseEventFilter(q)
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != events.LimitExceeded || f.SandboxID != "s1" || f.Limit != 10 {
		t.Errorf("filter = %+v", f)
	}
	if age := time.Since(f.Since); age < 59*time.Minute || age > 61*time.Minute {
		t.Errorf("since age = %v", age)
	}

	q, _ = url.ParseQuery("since=2026-03-01T10:00:00Z")
	f, err = parseEventFilter(q)
	if err != nil || !f.Since.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("rfc3339 since = %v, %v", f.Since, err)
	}

	for _, bad := range []string{"kind=nope", "since=yesterday", "since=-5m"} {
		q, _ := url.ParseQuery(bad)
		if _, err := parseEventFilter(q); !errors.Is(err, errBadQuery) {
			t.Errorf("%s: err = %v", bad, err)
		}
	}
}

func TestValidToken(t *testing.T) {
	tests := []struct {
		header, want string
		ok           bool
	}{
		{"", "", true},
		{"Bearer anything", "", true},
		{"Bearer s3cret", "s3cret", true},
		{"Bearer wrong", "s3cret", false},
		{"s3cret", "s3cret", false},
		{"", "s3cret", false},
	}
	for _, tt := range tests {
		if got := validToken(tt.header, tt.want); got != tt.ok {
			t.Errorf("validToken(%q, %q) = %v", tt.header, tt.want, got)
		}
	}
}

func TestReadyCode(t *testing.T) {
	if readyCode(observability.HealthStatus{Status: "ok"}) != http.StatusOK {
		t.Error("ok should be 200")
	}
	if readyCode(observability.HealthStatus{Status: "degraded"}) != http.StatusServiceUnavailable {
		t.Error("degraded should be 503")
	}
}

func TestStreamFilter(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/events?kind=task_failed&kind=limit_exceeded&sandbox=s1", nil)
	f, ok := parseStreamFilter(r)
	if !ok {
		t.Fatal("filter rejected")
	}
	tests := []struct {
		ev   events.Event
		want bool
	}{
		{events.Event{Kind: events.TaskFailed, SandboxID: "s1"}, true},
		{events.Event{Kind: events.LimitExceeded, SandboxID: "s1"}, true},
		{events.Event{Kind: events.TaskFailed, SandboxID: "s2"}, false},
		{events.Event{Kind: events.Output, SandboxID: "s1"}, false},
	}
	for _, tt := range tests {
		if got := f.match(tt.ev); got != tt.want {
			t.Errorf("match(%+v) = %v", tt.ev, got)
		}
	}

	if _, ok := parseStreamFilter(httptest.NewRequest("GET", "/v1/events?kind=bogus", nil)); ok {
		t.Error("unknown kind accepted")
	}
}

func startStream(t *testing.T, cfg Config) (*events.Bus, string) {
	t.Helper()
	bus := events.NewBus()
	s := New(cfg, Deps{Events: bus}, nil)
	ts := httptest.NewServer(s.eventStream())
	t.Cleanup(ts.Close)
	return bus, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitSubscribed(t *testing.T, bus *events.Bus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStream(t *testing.T) {
	bus, wsURL := startStream(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL+"?kind=task_completed", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitSubscribed(t, bus)

	bus.Publish(events.Event{Kind: events.Output, AgentID: "a1", Message: "noise"})
	bus.Publish(events.Event{Kind: events.TaskCompleted, AgentID: "a1", TaskID: "t1"})

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v", typ)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != events.TaskCompleted || ev.TaskID != "t1" || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventStream_ClientCloseUnsubscribes(t *testing.T) {
	bus, wsURL := startStream(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribed(t, bus)
	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription leaked after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStream_Auth(t *testing.T) {
	_, wsURL := startStream(t, Config{Token: "s3cret"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v", resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer s3cret"}},
	})
	if err != nil {
		t.Fatalf("dial with header: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	conn, _, err = websocket.Dial(ctx, wsURL+"?token=s3cret", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestEventStream_RejectsUnknownKind(t *testing.T) {
	_, wsURL := startStream(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL+"?kind=bogus", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, resp = %v", err, resp)
	}
}

func ids(tasks []agent.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
