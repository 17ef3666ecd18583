package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "coder1.yaml", `
workspace: /tmp/coder1-ws
sandbox:
  backend: docker
  max_sandboxes: 8
  defaults:
    max_memory_mb: 512
  docker:
    image: alpine:3.20
agents:
  cli: echo
  roles:
    backend:
      expertise: [gRPC, API]
      limits:
        max_memory_mb: 4096
fleet:
  - type: backend
    count: 2
scheduler:
  enabled: true
  reconcile: "*/5 * * * *"
storage:
  record_output: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/coder1-ws" || cfg.Sandbox.BackendName() != "docker" || cfg.Sandbox.MaxSandboxes != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sandbox.Docker == nil || cfg.Sandbox.Docker.Image != "alpine:3.20" {
		t.Errorf("docker = %+v", cfg.Sandbox.Docker)
	}
	if r := cfg.Agents.Roles["backend"]; len(r.Expertise) != 2 || r.Limits.MaxMemoryMB != 4096 {
		t.Errorf("role override = %+v", r)
	}
	if len(cfg.Fleet) != 1 || cfg.Fleet[0].Count != 2 {
		t.Errorf("fleet = %+v", cfg.Fleet)
	}
	if got := cfg.Scheduler.ReconcileSchedule(); got != "*/5 * * * *" {
		t.Errorf("reconcile = %q", got)
	}
	if got := cfg.Scheduler.PruneSchedule(); got != "0 3 * * *" {
		t.Errorf("prune default = %q", got)
	}
	if cfg.Storage == nil || !cfg.Storage.RecordOutput || cfg.StorageDriverName() != "sqlite" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := writeConfig(t, "coder1.jsonc", `{
  // Sandboxes run as plain processes.
  "sandbox": {"backend": "process", "hard_limits": true},
  /* agent CLI */
  "agents": {"cli": "claude", "args": []},
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Sandbox.HardLimits {
		t.Error("hard_limits not parsed")
	}
	if args := cfg.Agents.CLIArgs(); len(args) != 0 {
		t.Errorf("explicit empty args = %q", args)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "coder1.json", `{"sandbox": {"backend": "tmux", "tmux": {"socket": "t1"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Tmux == nil || cfg.Sandbox.Tmux.Socket != "t1" {
		t.Errorf("tmux = %+v", cfg.Sandbox.Tmux)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sandbox.BackendName() != "process" {
		t.Errorf("backend = %q", cfg.Sandbox.BackendName())
	}
	if cfg.Sandbox.DefaultTimeout() != 10*time.Minute {
		t.Errorf("timeout = %v", cfg.Sandbox.DefaultTimeout())
	}
	if got := cfg.Agents.CLIArgs(); len(got) != 1 || got[0] != "--print" {
		t.Errorf("args = %q", got)
	}
	if cfg.Agents.InitTimeout() != 30*time.Second || cfg.Agents.Owner() != "local" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if cfg.Monitor.Interval() != 5*time.Second {
		t.Errorf("monitor interval = %v", cfg.Monitor.Interval())
	}
	if cfg.Server.ListenAddr() != ":8090" {
		t.Errorf("listen = %q", cfg.Server.ListenAddr())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.Scheduler.EventRetention() != 7*24*time.Hour {
		t.Errorf("retention = %v", cfg.Scheduler.EventRetention())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODER1_WORKSPACE", "/tmp/env-ws")
	t.Setenv("CODER1_SANDBOX_BACKEND", "tmux")
	t.Setenv("CODER1_AGENT_CLI", "codex")
	t.Setenv("CODER1_DB_DSN", "postgres://localhost/coder1")
	t.Setenv("CODER1_LISTEN", "127.0.0.1:9000")

	path := writeConfig(t, "c.yaml", "workspace: /from/file\nsandbox:\n  backend: docker\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/tmp/env-ws" || cfg.Sandbox.Backend != "tmux" || cfg.Agents.CLI != "codex" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/coder1" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Server.ListenAddr() != "127.0.0.1:9000" {
		t.Errorf("listen = %q", cfg.Server.ListenAddr())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown backend", "sandbox:\n  backend: vm\n", "sandbox.backend"},
		{"negative limit", "sandbox:\n  max:\n    max_memory_mb: -1\n", "sandbox.max"},
		{"bad driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn is required"},
		{"bad cron", "scheduler:\n  enabled: true\n  reconcile: every minute\n", "invalid cron"},
		{"webhook scheme", "notification:\n  enabled: true\n  webhooks:\n    - url: ftp://x\n", "http or https"},
		{"fleet type", "fleet:\n  - count: 1\n", "fleet[0].type"},
		{"tracing protocol", "observability:\n  tracing:\n    enabled: true\n    protocol: thrift\n", "tracing.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Sandbox.BackendName() != "process" {
		t.Errorf("backend = %q", cfg.Sandbox.BackendName())
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load missing err = %v", err)
	}
}

func TestResolvePathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := resolvePath("~/coder1")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "coder1") {
		t.Errorf("resolvePath = %q", got)
	}
}

func TestHealthChecks(t *testing.T) {
	var nilCfg *ObservabilityConfig
	if db, sb := nilCfg.HealthChecks(); !db || !sb {
		t.Errorf("nil config = %v, %v", db, sb)
	}
	cfg := &ObservabilityConfig{Health: &HealthConfig{IncludeDB: true}}
	if db, sb := cfg.HealthChecks(); !db || sb {
		t.Errorf("db only = %v, %v", db, sb)
	}
}
