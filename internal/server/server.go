// Package server implements the read-only ops HTTP server: liveness and
// readiness probes, Prometheus metrics, sandbox and agent listings, journal
// queries and a websocket stream of live events.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/observability"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/scheduler"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
)

// Sandboxes lists sandbox sessions.
type Sandboxes interface {
	List() []sandbox.Session
	Get(id string) (*sandbox.Session, error)
}

// Agents exposes agent state.
type Agents interface {
	ListAgents() []agent.Agent
	GetAgent(id string) (*agent.Agent, error)
	GetAgentOutput(id string) ([]agent.OutputLine, error)
	ListTasks(agentID string) []agent.Task
	GetTask(id string) (*agent.Task, error)
}

// Journal is the read side of the task and event history.
type Journal interface {
	GetTask(ctx context.Context, id string) (*agent.Task, error)
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]agent.Task, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]events.Event, error)
}

// Subscriber hands out live event subscriptions.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Jobs reports maintenance job state.
type Jobs interface {
	Jobs() []scheduler.JobStatus
}

// Config configures the ops server.
type Config struct {
	ListenAddr  string
	Token       string // Bearer token required on /v1. Empty = open.
	EnableDocs  bool
	MetricsPath string // Default: "/metrics".

	// StreamBuffer is the per-connection event buffer. Default: 256.
	StreamBuffer int
	// OriginPatterns are extra hosts allowed to open the event stream.
	OriginPatterns []string

	MetricsRegistry *prometheus.Registry
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
	HealthChecker   *observability.HealthChecker
}

// Deps are the components the server reads from. Journal and Jobs may be nil.
type Deps struct {
	Sandboxes Sandboxes
	Agents    Agents
	Events    Subscriber
	Journal   Journal
	Jobs      Jobs
}

// Server is the ops HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	okapi  *okapi.Okapi
	server *http.Server
}

// New creates a server. Routes are mounted by Start.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		okapi:  okapi.New(),
	}
}

// Start mounts the routes and serves until Stop is called or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.routes()

	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// The event stream is long-lived; writes carry their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops server starting", slog.String("addr", s.cfg.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops server stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) routes() {
	var mws []okapi.Middleware
	if s.cfg.Metrics != nil || s.cfg.Tracer != nil {
		mws = append(mws, observability.MetricsMiddleware(s.cfg.Metrics, s.cfg.Tracer))
	}
	if s.cfg.Token != "" {
		mws = append(mws, s.authenticate)
	}
	v1 := s.okapi.Group("/v1", mws...)

	v1.Get("/sandboxes", s.handleSandboxes,
		okapi.DocSummary("List sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]sandbox.Session{}),
	)
	v1.Get("/sandboxes/{id}", s.handleSandbox,
		okapi.DocSummary("Get a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(sandbox.Session{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Get("/agents", s.handleAgents,
		okapi.DocSummary("List agents"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]agent.Agent{}),
	)
	v1.Get("/agents/{id}", s.handleAgent,
		okapi.DocSummary("Get an agent"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse(agent.Agent{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Get("/agents/{id}/output", s.handleAgentOutput,
		okapi.DocSummary("Get an agent's output log"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse([]agent.OutputLine{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Get("/tasks", s.handleTasks,
		okapi.DocSummary("List tasks, newest first"),
		okapi.DocTags("Tasks"),
		okapi.DocResponse([]agent.Task{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/tasks/{id}", s.handleTask,
		okapi.DocSummary("Get a task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID (UUID)"),
		okapi.DocResponse(agent.Task{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if s.deps.Journal != nil {
		v1.Get("/history/events", s.handleEventHistory,
			okapi.DocSummary("Query journaled events"),
			okapi.DocTags("Events"),
			okapi.DocResponse([]events.Event{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}
	if s.deps.Jobs != nil {
		v1.Get("/jobs", s.handleJobs,
			okapi.DocSummary("List maintenance jobs"),
			okapi.DocTags("Jobs"),
			okapi.DocResponse([]scheduler.JobStatus{}),
		)
	}

	// The websocket upgrade bypasses okapi's response writer.
	if s.deps.Events != nil {
		s.okapi.HandleStd("GET", "/v1/events", s.eventStream().ServeHTTP)
	}

	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)
	if s.cfg.MetricsRegistry != nil {
		s.okapi.HandleStd("GET", s.cfg.MetricsPath,
			promhttp.HandlerFor(s.cfg.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.cfg.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "coder1",
			Version: "v1",
		})
	}
}

func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !validToken(c.Header("Authorization"), s.cfg.Token) {
			return c.AbortUnauthorized("missing or invalid bearer token")
		}
		return next(c)
	}
}

// validToken reports whether an Authorization header carries want. An empty
// want accepts everything.
func validToken(header, want string) bool {
	if want == "" {
		return true
	}
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
