package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

const (
	defaultMaxOutputLines = 10000
	maxLineBytes          = 16 << 10
)

// Sandboxes is the part of the sandbox registry the runtime needs.
type Sandboxes interface {
	Create(ctx context.Context, cfg sandbox.Config) (*sandbox.Session, error)
	Run(ctx context.Context, id string, cmd sandbox.Command) (*sandbox.Output, error)
	Destroy(ctx context.Context, id string) error
}

// Collector starts and stops resource sampling for a sandbox.
type Collector interface {
	StartCollecting(sandboxID, path string) error
	StopCollecting(sandboxID string)
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	Sandboxes Sandboxes
	Roles     Roles          // Defaults to DefaultRoles().
	Commands  CommandBuilder // Zero value uses the claude CLI with no base args.
	OwnerID   string

	// MaxOutputLines caps each agent's output log; the oldest lines go first.
	MaxOutputLines int

	Events  events.Publisher
	Tasks   TaskStore // Optional journal.
	Monitor Collector // Optional resource monitor.
	Metrics *Metrics
	Logger  *slog.Logger
}

type session struct {
	agent  Agent
	seq    uint64 // Spawn order.
	output []OutputLine
}

type taskEntry struct {
	task Task
	done chan struct{}
}

// Runtime owns the live agents and their tasks. Each agent runs at most one
// task at a time; tasks execute in the background after AssignTask returns.
type Runtime struct {
	sandboxes Sandboxes
	roles     Roles
	commands  CommandBuilder
	owner     string
	maxOutput int
	events    events.Publisher
	store     TaskStore
	monitor   Collector
	metrics   *Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	seq    uint64
	agents map[string]*session
	tasks  map[string]*taskEntry
}

// NewRuntime creates an agent runtime over the given sandboxes.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Roles == nil {
		cfg.Roles = DefaultRoles()
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = defaultMaxOutputLines
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		sandboxes: cfg.Sandboxes,
		roles:     cfg.Roles,
		commands:  cfg.Commands,
		owner:     cfg.OwnerID,
		maxOutput: cfg.MaxOutputLines,
		events:    cfg.Events,
		store:     cfg.Tasks,
		monitor:   cfg.Monitor,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		agents:    make(map[string]*session),
		tasks:     make(map[string]*taskEntry),
	}
}

// Roles returns the role profiles the runtime spawns from.
func (r *Runtime) Roles() Roles { return r.roles }

// SpawnAgent creates a sandbox for a new agent of type typ, runs the
// initialization sequence in it and returns the agent in the ready state.
// On failure the sandbox is destroyed and no agent is retained.
func (r *Runtime) SpawnAgent(ctx context.Context, typ Type, projectID string) (*Agent, error) {
	if r.ctx.Err() != nil {
		return nil, ErrRuntimeClosed
	}
	role, err := r.roles.Lookup(typ)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &session{agent: Agent{
		ID:           uuid.NewString(),
		Type:         typ,
		Role:         role,
		ProjectID:    projectID,
		Status:       StatusInitializing,
		StartedAt:    now,
		LastActivity: now,
	}}
	id := s.agent.ID

	r.mu.Lock()
	r.seq++
	s.seq = r.seq
	r.agents[id] = s
	r.mu.Unlock()

	sb, err := r.sandboxes.Create(ctx, sandbox.Config{
		OwnerID:   r.owner,
		ProjectID: projectID,
		Limits:    role.Limits,
	})
	if err != nil {
		r.abandon(s, err)
		return nil, fmt.Errorf("spawning %s agent: %w", typ, err)
	}

	r.mu.Lock()
	stopped := s.agent.Status == StatusStopped
	s.agent.SandboxID = sb.ID
	r.mu.Unlock()
	if stopped {
		r.destroySandbox(ctx, sb.ID)
		return nil, fmt.Errorf("spawning %s agent: stopped during initialization: %w", typ, ErrAgentNotFound)
	}

	for _, cmd := range r.commands.InitSequence(role) {
		out, err := r.sandboxes.Run(ctx, sb.ID, cmd)
		if err == nil && !out.Success() {
			err = fmt.Errorf("exit code %d: %s", out.ExitCode, tail(out.Stderr, 512))
		}
		if err != nil {
			initErr := fmt.Errorf("%w: %s: %w", domain.ErrInitialization, cmd, err)
			r.abandon(s, initErr)
			r.destroySandbox(ctx, sb.ID)
			return nil, fmt.Errorf("spawning %s agent: %w", typ, initErr)
		}
	}

	r.mu.Lock()
	if s.agent.Status != StatusInitializing {
		r.mu.Unlock()
		r.destroySandbox(ctx, sb.ID)
		return nil, fmt.Errorf("spawning %s agent: stopped during initialization: %w", typ, ErrAgentNotFound)
	}
	_ = r.transitionLocked(s, StatusReady, "")
	s.appendLocked(r.maxOutput, OutputLine{
		At:     time.Now().UTC(),
		Stream: StreamSystem,
		Text:   fmt.Sprintf("%s ready in sandbox %s", role.Name, sb.ID),
	})
	snap := s.agent
	r.mu.Unlock()

	if r.monitor != nil {
		if err := r.monitor.StartCollecting(sb.ID, sb.Path); err != nil {
			r.logger.Warn("resource monitoring not started",
				slog.String("agent", id),
				slog.String("sandbox", sb.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.metrics != nil {
		r.metrics.SpawnsTotal.WithLabelValues(string(typ), "ok").Inc()
		r.metrics.Agents.WithLabelValues(string(typ)).Inc()
	}
	r.events.Publish(events.Event{
		Kind:      events.AgentSpawned,
		AgentID:   id,
		SandboxID: sb.ID,
		Status:    string(StatusReady),
		Message:   string(typ),
	})
	r.logger.Info("agent spawned",
		slog.String("agent", id),
		slog.String("type", string(typ)),
		slog.String("sandbox", sb.ID),
		slog.String("project", projectID),
	)
	return &snap, nil
}

// abandon drops a failed spawn.
func (r *Runtime) abandon(s *session, cause error) {
	r.mu.Lock()
	failure := OutputLine{At: time.Now().UTC(), Stream: StreamError, Text: "spawn failed: " + cause.Error()}
	s.appendLocked(r.maxOutput, failure)
	if s.agent.Status == StatusInitializing {
		s.agent.LastError = cause.Error()
		_ = r.transitionLocked(s, StatusError, cause.Error())
	}
	delete(r.agents, s.agent.ID)
	r.mu.Unlock()

	r.events.Publish(events.Event{
		Kind:    events.Output,
		AgentID: s.agent.ID,
		Status:  string(failure.Stream),
		Message: failure.Text,
	})

	if r.metrics != nil {
		r.metrics.SpawnsTotal.WithLabelValues(string(s.agent.Type), "failed").Inc()
	}
	r.logger.Warn("agent spawn failed",
		slog.String("agent", s.agent.ID),
		slog.String("type", string(s.agent.Type)),
		slog.String("error", cause.Error()),
	)
}

func (r *Runtime) destroySandbox(ctx context.Context, id string) {
	if r.monitor != nil {
		r.monitor.StopCollecting(id)
	}
	if err := r.sandboxes.Destroy(context.WithoutCancel(ctx), id); err != nil {
		r.logger.Warn("destroying agent sandbox", slog.String("sandbox", id), slog.String("error", err.Error()))
	}
}

// AssignTask gives a task to a specific agent. It returns once the task is
// admitted; execution continues in the background. Watch events or poll
// GetTask to observe completion.
func (r *Runtime) AssignTask(ctx context.Context, agentID string, req TaskRequest) (*Task, error) {
	desc, prio, err := validateRequest(req)
	if err != nil {
		return nil, err
	}
	if r.ctx.Err() != nil {
		return nil, ErrRuntimeClosed
	}

	r.mu.Lock()
	s, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	t, err := r.assignLocked(s, desc, prio)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	role, sandboxID := s.agent.Role, s.agent.SandboxID
	r.mu.Unlock()

	r.dispatch(ctx, role, sandboxID, t)
	return &t, nil
}

// BroadcastTask routes a task to the best available agent: the earliest
// spawned ready or idle agent whose expertise matches the description, or
// the earliest spawned available agent when none match.
func (r *Runtime) BroadcastTask(ctx context.Context, req TaskRequest) (*Task, error) {
	desc, prio, err := validateRequest(req)
	if err != nil {
		return nil, err
	}
	if r.ctx.Err() != nil {
		return nil, ErrRuntimeClosed
	}

	r.mu.Lock()
	candidates := r.availableLocked()
	best := SelectBestAgent(candidates, desc)
	if best == nil {
		r.mu.Unlock()
		r.countBroadcast("none")
		return nil, fmt.Errorf("broadcasting task: %w", domain.ErrNoAgentsAvailable)
	}
	outcome := "fallback"
	if best.Role.Matches(desc) {
		outcome = "matched"
	}
	s := r.agents[best.ID]
	t, err := r.assignLocked(s, desc, prio)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	role, sandboxID := s.agent.Role, s.agent.SandboxID
	r.mu.Unlock()

	r.countBroadcast(outcome)
	r.logger.Info("task broadcast",
		slog.String("task", t.ID),
		slog.String("agent", best.ID),
		slog.String("type", string(best.Type)),
		slog.String("selection", outcome),
	)
	r.dispatch(ctx, role, sandboxID, t)
	return &t, nil
}

func validateRequest(req TaskRequest) (string, Priority, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return "", "", ErrEmptyTask
	}
	prio, err := ParsePriority(string(req.Priority))
	if err != nil {
		return "", "", err
	}
	return desc, prio, nil
}

// availableLocked returns ready or idle agents in spawn order.
func (r *Runtime) availableLocked() []*Agent {
	var live []*session
	for _, s := range r.agents {
		if s.agent.Status.Available() {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	out := make([]*Agent, len(live))
	for i, s := range live {
		a := s.agent
		out[i] = &a
	}
	return out
}

// assignLocked admits a task on s and moves s to working.
func (r *Runtime) assignLocked(s *session, desc string, prio Priority) (Task, error) {
	if !s.agent.Status.Available() {
		return Task{}, fmt.Errorf("%w: agent %s is %s", ErrAgentBusy, s.agent.ID, s.agent.Status)
	}

	t := Task{
		ID:          uuid.NewString(),
		Description: desc,
		Priority:    prio,
		Status:      TaskPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.transition(TaskAssigned); err != nil {
		return Task{}, err
	}
	t.AgentID = s.agent.ID
	t.SandboxID = s.agent.SandboxID

	if err := r.transitionLocked(s, StatusWorking, ""); err != nil {
		return Task{}, err
	}
	s.agent.CurrentTask = t.ID
	s.appendLocked(r.maxOutput, OutputLine{
		At:     t.CreatedAt,
		TaskID: t.ID,
		Stream: StreamSystem,
		Text:   fmt.Sprintf("task assigned (%s): %s", prio, desc),
	})
	r.tasks[t.ID] = &taskEntry{task: t, done: make(chan struct{})}
	return t, nil
}

func (r *Runtime) dispatch(ctx context.Context, role Role, sandboxID string, t Task) {
	r.save(ctx, t)
	r.events.Publish(events.Event{
		Kind:      events.TaskAssigned,
		AgentID:   t.AgentID,
		SandboxID: sandboxID,
		TaskID:    t.ID,
		Status:    string(t.Status),
		Message:   t.Description,
	})
	r.logger.Info("task assigned",
		slog.String("task", t.ID),
		slog.String("agent", t.AgentID),
		slog.String("priority", string(t.Priority)),
	)

	r.wg.Add(1)
	go r.execute(role, sandboxID, t)
}

// execute runs one task to completion on the runtime's own context so the
// caller's request can return.
func (r *Runtime) execute(role Role, sandboxID string, t Task) {
	defer r.wg.Done()

	r.mu.Lock()
	e := r.tasks[t.ID]
	if err := e.task.transition(TaskInProgress); err != nil {
		close(e.done)
		r.mu.Unlock()
		r.logger.Error("starting task", slog.String("task", t.ID), slog.String("error", err.Error()))
		return
	}
	e.task.StartedAt = time.Now().UTC()
	started := e.task
	r.mu.Unlock()

	r.save(r.ctx, started)
	r.events.Publish(events.Event{
		Kind:      events.TaskStarted,
		AgentID:   t.AgentID,
		SandboxID: sandboxID,
		TaskID:    t.ID,
		Status:    string(TaskInProgress),
	})

	out, err := r.sandboxes.Run(r.ctx, sandboxID, r.commands.TaskCommand(role, started))
	r.finish(role, sandboxID, t.ID, out, err)
}

func (r *Runtime) finish(role Role, sandboxID, taskID string, out *sandbox.Output, runErr error) {
	now := time.Now().UTC()

	r.mu.Lock()
	e := r.tasks[taskID]
	s, alive := r.agents[e.task.AgentID]
	if !alive || s.agent.CurrentTask != taskID {
		// The agent was stopped mid-task. The task is left as it was.
		close(e.done)
		r.mu.Unlock()
		r.logger.Info("task abandoned", slog.String("task", taskID), slog.String("agent", e.task.AgentID))
		return
	}

	var lines []OutputLine
	if out != nil {
		e.task.ExitCode = out.ExitCode
		lines = append(lines, splitOutput(now, taskID, StreamStdout, out.Stdout)...)
		lines = append(lines, splitOutput(now, taskID, StreamStderr, out.Stderr)...)
	}

	kind := events.TaskCompleted
	switch {
	case runErr != nil:
		// The agent still returns to idle; a lost sandbox is left for
		// reconciliation or the caller to notice.
		_ = e.task.transition(TaskFailed)
		e.task.Error = runErr.Error()
		s.agent.LastError = runErr.Error()
	case !out.Success():
		_ = e.task.transition(TaskFailed)
		e.task.Error = fmt.Sprintf("exit code %d: %s", out.ExitCode, tail(out.Stderr, 512))
	default:
		_ = e.task.transition(TaskCompleted)
		e.task.Result = out.Stdout
		s.agent.TasksCompleted++
	}
	e.task.FinishedAt = now
	if e.task.Status == TaskFailed {
		kind = events.TaskFailed
		lines = append(lines, OutputLine{At: now, TaskID: taskID, Stream: StreamError, Text: e.task.Error})
	} else {
		lines = append(lines, OutputLine{At: now, TaskID: taskID, Stream: StreamSystem, Text: "task completed"})
	}
	s.appendLocked(r.maxOutput, lines...)
	s.agent.CurrentTask = ""
	_ = r.transitionLocked(s, StatusIdle, e.task.Error)
	final := e.task
	r.mu.Unlock()
	defer close(e.done)

	r.save(r.ctx, final)
	for _, l := range lines {
		r.events.Publish(events.Event{
			Kind:      events.Output,
			AgentID:   final.AgentID,
			SandboxID: sandboxID,
			TaskID:    taskID,
			Status:    string(l.Stream),
			Message:   l.Text,
		})
	}
	r.events.Publish(events.Event{
		Kind:      kind,
		AgentID:   final.AgentID,
		SandboxID: sandboxID,
		TaskID:    taskID,
		Status:    string(final.Status),
		Message:   final.Error,
	})
	if r.metrics != nil {
		r.metrics.TasksTotal.WithLabelValues(string(role.Type), string(final.Status)).Inc()
		r.metrics.TaskDuration.WithLabelValues(string(role.Type)).Observe(final.FinishedAt.Sub(final.StartedAt).Seconds())
	}
	r.logger.Info("task finished",
		slog.String("task", taskID),
		slog.String("agent", final.AgentID),
		slog.String("status", string(final.Status)),
		slog.Int("exit_code", final.ExitCode),
		slog.Duration("duration", final.FinishedAt.Sub(final.StartedAt)),
	)
}

// GetAgent returns a snapshot of a live agent.
func (r *Runtime) GetAgent(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a := s.agent
	return &a, nil
}

// ListAgents returns live agents in spawn order.
func (r *Runtime) ListAgents() []Agent {
	r.mu.RLock()
	live := make([]*session, 0, len(r.agents))
	for _, s := range r.agents {
		live = append(live, s)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	out := make([]Agent, len(live))
	for i, s := range live {
		out[i] = s.agent
	}
	r.mu.RUnlock()
	return out
}

// GetAgentOutput returns a copy of the agent's output log.
func (r *Runtime) GetAgentOutput(id string) ([]OutputLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return append([]OutputLine(nil), s.output...), nil
}

// GetTask returns a snapshot of a task.
func (r *Runtime) GetTask(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t := e.task
	return &t, nil
}

// ListTasks returns tasks ordered by creation time. An empty agentID lists all.
func (r *Runtime) ListTasks(agentID string) []Task {
	r.mu.RLock()
	var out []Task
	for _, e := range r.tasks {
		if agentID == "" || e.task.AgentID == agentID {
			out = append(out, e.task)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WaitTask blocks until the task settles or the runtime stops tracking it,
// then returns its snapshot.
func (r *Runtime) WaitTask(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.GetTask(id)
}

// PruneTasks forgets terminal tasks that finished before cutoff and returns
// how many were removed.
func (r *Runtime) PruneTasks(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.tasks {
		if e.task.Status.Terminal() && e.task.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// StopAgent stops an agent and destroys its sandbox. A task in flight is
// abandoned in whatever state it reached.
func (r *Runtime) StopAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	wasLive := s.agent.Status != StatusInitializing
	_ = r.transitionLocked(s, StatusStopped, "")
	s.agent.CurrentTask = ""
	delete(r.agents, id)
	sandboxID, typ := s.agent.SandboxID, s.agent.Type
	r.mu.Unlock()

	var err error
	if sandboxID != "" && wasLive {
		if r.monitor != nil {
			r.monitor.StopCollecting(sandboxID)
		}
		if derr := r.sandboxes.Destroy(ctx, sandboxID); derr != nil {
			err = fmt.Errorf("stopping agent %s: %w", id, derr)
		}
	}

	if r.metrics != nil && wasLive {
		r.metrics.Agents.WithLabelValues(string(typ)).Dec()
	}
	r.events.Publish(events.Event{
		Kind:      events.AgentStopped,
		AgentID:   id,
		SandboxID: sandboxID,
		Status:    string(StatusStopped),
	})
	r.logger.Info("agent stopped", slog.String("agent", id), slog.String("sandbox", sandboxID))
	return err
}

// Close stops every agent and waits for in-flight tasks to unwind.
func (r *Runtime) Close(ctx context.Context) error {
	r.cancel()

	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := r.StopAgent(ctx, id); err != nil && !errors.Is(err, ErrAgentNotFound) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (r *Runtime) transitionLocked(s *session, next Status, reason string) error {
	prev := s.agent.Status
	if !prev.CanTransition(next) {
		return fmt.Errorf("agent %s: %s -> %s: %w", s.agent.ID, prev, next, ErrIllegalTransition)
	}
	s.agent.Status = next
	s.agent.LastActivity = time.Now().UTC()
	if next != StatusStopped {
		r.events.Publish(events.Event{
			Kind:      events.AgentStatus,
			AgentID:   s.agent.ID,
			SandboxID: s.agent.SandboxID,
			Status:    string(next),
			Message:   reason,
		})
	}
	return nil
}

func (r *Runtime) save(ctx context.Context, t Task) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTask(context.WithoutCancel(ctx), t); err != nil {
		r.logger.Warn("journaling task",
			slog.String("task", t.ID),
			slog.String("status", string(t.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runtime) countBroadcast(outcome string) {
	if r.metrics != nil {
		r.metrics.Broadcasts.WithLabelValues(outcome).Inc()
	}
}

func (s *session) appendLocked(limit int, lines ...OutputLine) {
	s.output = append(s.output, lines...)
	if over := len(s.output) - limit; over > 0 {
		s.output = append(s.output[:0:0], s.output[over:]...)
	}
}

func splitOutput(at time.Time, taskID string, stream Stream, text string) []OutputLine {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	out := make([]OutputLine, 0, len(parts))
	for _, p := range parts {
		p = truncateUTF8(p, maxLineBytes)
		out = append(out, OutputLine{At: at, TaskID: taskID, Stream: stream, Text: strings.TrimRight(p, "\r")})
	}
	return out
}

// tail returns at most n trailing bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		i := len(s) - n
		for i < len(s) && !utf8.RuneStart(s[i]) {
			i++
		}
		s = "..." + s[i:]
	}
	return s
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
