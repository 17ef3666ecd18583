package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/observability"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
)

// ErrorBody is the error response shape.
type ErrorBody struct {
	Error string `json:"error"`
}

// HealthResponse is the liveness response.
type HealthResponse struct {
	Status string `json:"status"`
}

const maxListLimit = 1000

var errBadQuery = errors.New("invalid query")

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.cfg.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := s.cfg.HealthChecker.CheckReady(c.Context())
	return c.JSON(readyCode(status), status)
}

func readyCode(status observability.HealthStatus) int {
	if status.Status != "ok" {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (s *Server) handleSandboxes(c *okapi.Context) error {
	return c.OK(s.deps.Sandboxes.List())
}

func (s *Server) handleSandbox(c *okapi.Context) error {
	sess, err := s.deps.Sandboxes.Get(c.Param("id"))
	if err != nil {
		return s.abort(c, err)
	}
	return c.OK(sess)
}

func (s *Server) handleAgents(c *okapi.Context) error {
	return c.OK(s.deps.Agents.ListAgents())
}

func (s *Server) handleAgent(c *okapi.Context) error {
	a, err := s.deps.Agents.GetAgent(c.Param("id"))
	if err != nil {
		return s.abort(c, err)
	}
	return c.OK(a)
}

func (s *Server) handleAgentOutput(c *okapi.Context) error {
	lines, err := s.deps.Agents.GetAgentOutput(c.Param("id"))
	if err != nil {
		return s.abort(c, err)
	}
	return c.OK(lines)
}

func (s *Server) handleTasks(c *okapi.Context) error {
	f, err := parseTaskFilter(c.Request().URL.Query())
	if err != nil {
		return s.abort(c, err)
	}
	tasks, err := s.listTasks(c.Context(), f)
	if err != nil {
		return s.abort(c, err)
	}
	return c.OK(tasks)
}

func (s *Server) handleTask(c *okapi.Context) error {
	t, err := s.getTask(c.Context(), c.Param("id"))
	if err != nil {
		return s.abort(c, err)
	}
	return c.OK(t)
}

func (s *Server) handleEventHistory(c *okapi.Context) error {
	f, err := parseEventFilter(c.Request().URL.Query())
	if err != nil {
		return s.abort(c, err)
	}
	evs, err := s.deps.Journal.ListEvents(c.Context(), f)
	if err != nil {
		return s.abort(c, err)
	}
	return c.OK(evs)
}

func (s *Server) handleJobs(c *okapi.Context) error {
	return c.OK(s.deps.Jobs.Jobs())
}

// listTasks reads from the journal when one is attached, since it outlives
// in-memory pruning, and from the runtime otherwise.
func (s *Server) listTasks(ctx context.Context, f storage.TaskFilter) ([]agent.Task, error) {
	if s.deps.Journal != nil {
		return s.deps.Journal.ListTasks(ctx, f)
	}
	all := s.deps.Agents.ListTasks(f.AgentID)
	out := make([]agent.Task, 0, len(all))
	for _, t := range all {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	// Newest first, matching the journal.
	slices.SortStableFunc(out, func(a, b agent.Task) int { return b.CreatedAt.Compare(a.CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Server) getTask(ctx context.Context, id string) (*agent.Task, error) {
	t, err := s.deps.Agents.GetTask(id)
	if err == nil || s.deps.Journal == nil || !errors.Is(err, domain.ErrNotFound) {
		return t, err
	}
	return s.deps.Journal.GetTask(ctx, id)
}

// abort maps domain errors to HTTP responses.
func (s *Server) abort(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, errBadQuery):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.AbortServiceUnavailable("request canceled")
	default:
		s.logger.Error("ops request failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("internal error")
	}
}

var taskStatuses = []agent.TaskStatus{
	agent.TaskPending, agent.TaskAssigned, agent.TaskInProgress,
	agent.TaskCompleted, agent.TaskFailed,
}

func parseTaskFilter(q url.Values) (storage.TaskFilter, error) {
	f := storage.TaskFilter{AgentID: q.Get("agent")}
	if v := q.Get("status"); v != "" {
		st := agent.TaskStatus(v)
		if !slices.Contains(taskStatuses, st) {
			return f, fmt.Errorf("%w: unknown status %q", errBadQuery, v)
		}
		f.Status = st
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func parseEventFilter(q url.Values) (storage.EventFilter, error) {
	f := storage.EventFilter{
		SandboxID: q.Get("sandbox"),
		AgentID:   q.Get("agent"),
		TaskID:    q.Get("task"),
	}
	if v := q.Get("kind"); v != "" {
		k := events.Kind(v)
		if !k.Valid() {
			return f, fmt.Errorf("%w: unknown kind %q", errBadQuery, v)
		}
		f.Kind = k
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

// parseSince accepts an RFC 3339 timestamp or a duration ago ("15m").
func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("%w: since must be RFC 3339 or a positive duration", errBadQuery)
	}
	return time.Now().UTC().Add(-d), nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadQuery)
	}
	return min(n, maxListLimit), nil
}
