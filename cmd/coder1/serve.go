package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/config"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/scheduler"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent daemon with the ops server and maintenance jobs",
	Long: `Start the long-running daemon: spawn the configured fleet, sample sandbox
resources, run maintenance jobs, and serve health, metrics, read-only state
and a websocket event stream over HTTP.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override ops server listen address (e.g. :8090)")
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, err := bootstrap()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	cfg, logger := sc.Config, sc.Logger
	if serveListen != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{}
		}
		cfg.Server.Listen = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Maintenance scheduler.
	sched, err := scheduler.FromConfig(cfg.Scheduler,
		scheduler.Deps{Sandboxes: sc.Sandboxes, Events: sc.Store, Tasks: sc.Runtime},
		scheduler.Options{Metrics: scheduler.NewMetrics(sc.Obs.Registry()), Logger: logger},
	)
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}
	var jobs server.Jobs
	if sched != nil {
		stopScheduler := sched.Start(ctx)
		defer stopScheduler()
		jobs = sched
	}

	spawnFleet(ctx, sc.Runtime, cfg.Fleet, logger)

	// Ops server.
	srvCfg := server.Config{
		ListenAddr:    cfg.Server.ListenAddr(),
		HealthChecker: sc.Obs.Health,
		Metrics:       sc.Obs.Metrics,
	}
	if cfg.Server != nil {
		srvCfg.Token = cfg.Server.Token
		srvCfg.EnableDocs = cfg.Server.EnableDocs
	}
	if m := cfg.Observability; m != nil && m.Metrics != nil && m.Metrics.Enabled {
		srvCfg.MetricsRegistry = sc.Obs.Registry()
		srvCfg.MetricsPath = m.Metrics.MetricsPath()
	}
	if sc.Obs.Tracer != nil {
		srvCfg.Tracer = sc.Obs.Tracer.Tracer()
	}
	srv := server.New(srvCfg, server.Deps{
		Sandboxes: sc.Sandboxes,
		Agents:    sc.Runtime,
		Events:    sc.Bus,
		Journal:   sc.Store,
		Jobs:      jobs,
	}, logger)

	errs := make(chan error, 1)
	go func() { errs <- srv.Start(ctx) }()

	logger.Info("coder1 serving",
		slog.String("addr", srvCfg.ListenAddr),
		slog.String("backend", sc.Sandboxes.Backend().Name()),
		slog.Int("agents", len(sc.Runtime.ListAgents())),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("stopping ops server", slog.String("error", err.Error()))
	}
	return runErr
}

// spawnFleet starts the configured agents. A member that fails to spawn is
// logged and skipped so one bad role does not keep the daemon down.
func spawnFleet(ctx context.Context, rt *agent.Runtime, fleet []config.FleetMember, logger *slog.Logger) {
	for _, m := range fleet {
		typ, err := parseAgentType(rt.Roles(), m.Type)
		if err != nil {
			logger.Error("skipping fleet member", slog.String("type", m.Type), slog.String("error", err.Error()))
			continue
		}
		for range max(m.Count, 1) {
			a, err := rt.SpawnAgent(ctx, typ, m.Project)
			if err != nil {
				logger.Error("spawning fleet agent",
					slog.String("type", string(typ)),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("fleet agent ready",
				slog.String("agent_id", a.ID),
				slog.String("type", string(typ)),
				slog.String("sandbox_id", a.SandboxID),
			)
		}
	}
}
