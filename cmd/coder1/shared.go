package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/config"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/merge"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/monitor"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/notification"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/observability"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
	pgstore "github.com/MichaelrKraft/coder1-ide-sub010/internal/storage/postgres"
	sqlitestore "github.com/MichaelrKraft/coder1-ide-sub010/internal/storage/sqlite"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

// SharedComponents holds every subsystem the commands drive. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Workspace  *workspace.Workspace
	Obs        *observability.Observability
	Store      storage.Store
	Bus        *events.Bus
	Sandboxes  *sandbox.Registry
	Monitor    *monitor.Monitor
	Runtime    *agent.Runtime
	Dispatcher *notification.Dispatcher // nil = notifications disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the JSON stderr logger.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("CODER1_CONFIG", configPath)
	if path == config.DefaultConfigPath() {
		return config.LoadOrDefault(path)
	}
	return config.Load(path)
}

// bootstrap loads config and the logger, then builds the shared components.
func bootstrap() (*SharedComponents, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initShared(cfg, logger)
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
		Bus:    events.NewBus(),
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)
	reg := obs.Registry()

	// Journal.
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	checkDB, checkBackend := cfg.Observability.HealthChecks()
	if checkDB {
		obs.Health.AddCheck("journal", store.Ping)
	}

	// Event consumers. Registered before the producers so they drain last.
	recorder := storage.NewRecorder(store, logger)
	recorder.KeepOutput = cfg.Storage != nil && cfg.Storage.RecordOutput
	sc.consume(recorder.Run)

	dispatcher, err := notification.FromConfig(cfg.Notification, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing notifications: %w", err)
	}
	if dispatcher != nil {
		sc.Dispatcher = dispatcher
		sc.consume(dispatcher.Run)
		logger.Debug("notifications enabled", slog.Any("senders", dispatcher.Senders()))
	}

	// Isolation backend.
	worktrees := workspace.NewWorktrees(cfg.Sandbox.BaseRepo, cfg.Sandbox.BaseRef, logger)
	backend, err := newBackend(cfg.Sandbox, worktrees, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	if checkBackend {
		obs.Health.AddCheck("backend", backend.Ping)
	}

	sandboxes := sandbox.NewRegistry(sandbox.RegistryConfig{
		Backend:      obs.Instrument(backend),
		Dir:          ws.SandboxesDir(),
		Defaults:     limitsFromConfig(cfg.Sandbox.Defaults),
		Max:          limitsFromConfig(cfg.Sandbox.Max),
		MaxSandboxes: cfg.Sandbox.MaxSandboxes,
		Events:       sc.Bus,
		Metrics:      sandbox.NewMetrics(reg),
		Logger:       logger,
	})
	sandboxes.UseMerger(merge.New(sandboxes, logger))
	sc.Sandboxes = sandboxes
	sc.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sandboxes.Close(ctx); err != nil {
			logger.Error("destroying sandboxes", slog.String("error", err.Error()))
		}
	})

	mon := monitor.New(sandboxes, monitor.Config{
		Interval: cfg.Monitor.Interval(),
		Events:   sc.Bus,
		Metrics:  monitor.NewMetrics(reg),
		Logger:   logger,
	})
	sc.Monitor = mon
	sc.addCleanup(mon.Close)

	roles, err := rolesFromConfig(cfg.Agents.Roles)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	rt := agent.NewRuntime(agent.RuntimeConfig{
		Sandboxes: sandboxes,
		Roles:     roles,
		Commands: agent.CommandBuilder{
			CLI:         cfg.Agents.CLI,
			Args:        cfg.Agents.CLIArgs(),
			WorkDir:     cfg.Agents.WorkDir,
			TaskTimeout: cfg.Agents.TaskTimeout(),
			InitTimeout: cfg.Agents.InitTimeout(),
		},
		OwnerID:        cfg.Agents.Owner(),
		MaxOutputLines: cfg.Agents.MaxOutputLines,
		Events:         sc.Bus,
		Tasks:          store,
		Monitor:        mon,
		Metrics:        agent.NewMetrics(reg),
		Logger:         logger,
	})
	sc.Runtime = rt
	sc.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Error("stopping agents", slog.String("error", err.Error()))
		}
	})

	logger.Debug("runtime initialized",
		slog.String("backend", backend.Name()),
		slog.String("journal", store.Driver()),
		slog.Int("roles", len(roles)),
	)
	return sc, nil
}

// consume runs fn over a fresh bus subscription until cleanup, which
// unsubscribes and waits for fn to drain.
func (sc *SharedComponents) consume(fn func(context.Context, <-chan events.Event)) {
	ch, cancel := sc.Bus.Subscribe(1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(context.Background(), ch)
	}()
	sc.addCleanup(func() {
		cancel()
		<-done
	})
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initStore creates the journal backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	if dir := cfg.ResolvedDataDir(); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
		}
		dbPath = filepath.Join(dir, filepath.Base(dbPath))
	}
	journalMode := "wal"
	if s := cfg.Storage; s != nil && s.SQLite != nil {
		if s.SQLite.Path != "" {
			dbPath = s.SQLite.Path
		}
		if s.SQLite.JournalMode != "" {
			journalMode = s.SQLite.JournalMode
		}
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CODER1_DB_DSN)")
	}
	pgCfg := pgstore.Config{DSN: pg.DSN}
	if pg.MaxOpenConns > 0 {
		pgCfg.MaxOpenConns = pg.MaxOpenConns
	}
	if pg.MaxIdleConns > 0 {
		pgCfg.MaxIdleConns = pg.MaxIdleConns
	}
	if pg.ConnMaxLifetimeS > 0 {
		pgCfg.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
	}
	db, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}

// newBackend builds the configured isolation backend.
func newBackend(cfg config.SandboxConfig, worktrees *workspace.Worktrees, logger *slog.Logger) (sandbox.Backend, error) {
	timeout := cfg.DefaultTimeout()
	switch name := cfg.BackendName(); name {
	case "process":
		return sandbox.NewProcessBackend(sandbox.ProcessConfig{
			DefaultTimeout: timeout,
			HardLimits:     cfg.HardLimits,
		}, worktrees, logger), nil
	case "docker":
		dc := sandbox.DockerConfig{DefaultTimeout: timeout, HardLimits: cfg.HardLimits}
		if d := cfg.Docker; d != nil {
			dc.Image = d.Image
			dc.CPUCores = d.CPUCores
			dc.PIDsLimit = d.PIDsLimit
			dc.NetworkAllowed = d.NetworkAllowed
			dc.User = d.User
		}
		return sandbox.NewDockerBackend(dc, worktrees, logger), nil
	case "tmux":
		tc := sandbox.TmuxConfig{DefaultTimeout: timeout}
		if cfg.Tmux != nil {
			tc.Socket = cfg.Tmux.Socket
		}
		return sandbox.NewTmuxBackend(tc, worktrees, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %q", name)
	}
}

func limitsFromConfig(l config.LimitsConfig) sandbox.Limits {
	return sandbox.Limits{
		MaxCPUPercent: l.MaxCPUPercent,
		MaxMemoryMB:   l.MaxMemoryMB,
		MaxDiskMB:     l.MaxDiskMB,
		TimeLimit:     l.TimeLimit(),
	}
}

// rolesFromConfig merges configured role overrides into the built-in roles.
func rolesFromConfig(overrides map[string]config.RoleConfig) (agent.Roles, error) {
	builtin := agent.DefaultRoles()
	if len(overrides) == 0 {
		return builtin, nil
	}
	custom := make(agent.Roles, len(overrides))
	for name, rc := range overrides {
		typ := agent.Type(strings.ToLower(strings.TrimSpace(name)))
		if typ == "" {
			return nil, fmt.Errorf("agents.roles: empty role name")
		}
		custom[typ] = agent.Role{
			Type:      typ,
			Name:      rc.Name,
			Expertise: rc.Expertise,
			Limits:    limitsFromConfig(rc.Limits),
			CLIArgs:   rc.CLIArgs,
		}
	}
	return builtin.Merge(custom), nil
}

// parseAgentType validates a role name against the runtime's roles.
func parseAgentType(roles agent.Roles, name string) (agent.Type, error) {
	typ := agent.Type(strings.ToLower(strings.TrimSpace(name)))
	if _, err := roles.Lookup(typ); err != nil {
		return "", fmt.Errorf("%w (known: %s)", err, joinTypes(roles.Types()))
	}
	return typ, nil
}

func joinTypes(types []agent.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
