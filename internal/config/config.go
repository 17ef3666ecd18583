// Package config handles loading and validating coder1 configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for coder1.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.coder1/workspace. Override: CODER1_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Journal directory. Default: <workspace>/data. Override: CODER1_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite journal under the data directory.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Agents        AgentsConfig         `json:"agents" yaml:"agents"`
	Monitor       *MonitorConfig       `json:"monitor,omitempty" yaml:"monitor,omitempty"`             // nil = sampling every 5s.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = maintenance jobs disabled
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = notifications disabled
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = ops server on the default address
	Fleet         []FleetMember        `json:"fleet,omitempty" yaml:"fleet,omitempty"`                 // Agents spawned by serve at startup.
}

// StorageConfig configures the journal backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
	// RecordOutput journals every agent output line as an event.
	RecordOutput bool `json:"record_output,omitempty" yaml:"record_output,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/coder1.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: CODER1_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// LimitsConfig is a resource ceiling. Zero fields are unset.
type LimitsConfig struct {
	MaxCPUPercent    float64 `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
	MaxMemoryMB      int     `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxDiskMB        int     `json:"max_disk_mb,omitempty" yaml:"max_disk_mb,omitempty"`
	TimeLimitSeconds int     `json:"time_limit_seconds,omitempty" yaml:"time_limit_seconds,omitempty"`
}

// TimeLimit returns the wall-clock ceiling.
func (l LimitsConfig) TimeLimit() time.Duration {
	return time.Duration(l.TimeLimitSeconds) * time.Second
}

func (l LimitsConfig) validate(field string) error {
	if l.MaxCPUPercent < 0 || l.MaxMemoryMB < 0 || l.MaxDiskMB < 0 || l.TimeLimitSeconds < 0 {
		return fmt.Errorf("%s: limits must not be negative", field)
	}
	return nil
}

// SandboxConfig selects and tunes the isolation backend.
type SandboxConfig struct {
	Backend               string               `json:"backend" yaml:"backend"`                                 // "process" (default), "docker" or "tmux". Override: CODER1_SANDBOX_BACKEND.
	BaseRepo              string               `json:"base_repo,omitempty" yaml:"base_repo,omitempty"`         // Git repository sandboxes branch from. Override: CODER1_BASE_REPO.
	BaseRef               string               `json:"base_ref,omitempty" yaml:"base_ref,omitempty"`           // Default: HEAD.
	MaxSandboxes          int                  `json:"max_sandboxes,omitempty" yaml:"max_sandboxes,omitempty"` // 0 = unlimited.
	Defaults              LimitsConfig         `json:"defaults" yaml:"defaults"`                               // Fills ceilings a request leaves unset.
	Max                   LimitsConfig         `json:"max" yaml:"max"`                                         // Largest ceiling a request may ask for.
	HardLimits            bool                 `json:"hard_limits" yaml:"hard_limits"`                         // Apply memory ceilings with ulimit / docker --memory.
	DefaultTimeoutSeconds int                  `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Per-command timeout. Default: 600.
	Docker                *DockerSandboxConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
	Tmux                  *TmuxSandboxConfig   `json:"tmux,omitempty" yaml:"tmux,omitempty"`
}

// BackendName returns the backend, defaulting to "process".
func (s SandboxConfig) BackendName() string {
	if s.Backend == "" {
		return "process"
	}
	return s.Backend
}

// DefaultTimeout returns the per-command timeout with a default of 10 minutes.
func (s SandboxConfig) DefaultTimeout() time.Duration {
	if s.DefaultTimeoutSeconds > 0 {
		return time.Duration(s.DefaultTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// DockerSandboxConfig configures the container backend.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image"`                     // Default: coder1-runtime:latest.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`             // --cpus. 0 = unset.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`           // Default: 256.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"` // false = --network=none.
	User           string  `json:"user,omitempty" yaml:"user,omitempty"`   // Default: host uid:gid.
}

// TmuxSandboxConfig configures the terminal multiplexer backend.
type TmuxSandboxConfig struct {
	Socket string `json:"socket" yaml:"socket"` // tmux -L socket name. Default: coder1.
}

// AgentsConfig configures the agent runtime and the CLI it drives.
type AgentsConfig struct {
	CLI                string                `json:"cli" yaml:"cli"`                                   // Agent binary. Default: claude. Override: CODER1_AGENT_CLI.
	Args               []string              `json:"args,omitempty" yaml:"args,omitempty"`             // Base arguments. Default: ["--print"].
	WorkDir            string                `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`     // Default: work.
	OwnerID            string                `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`     // Recorded on every sandbox. Default: local.
	TaskTimeoutSeconds int                   `json:"task_timeout_seconds" yaml:"task_timeout_seconds"` // 0 = sandbox default timeout.
	InitTimeoutSeconds int                   `json:"init_timeout_seconds" yaml:"init_timeout_seconds"` // Default: 30.
	MaxOutputLines     int                   `json:"max_output_lines" yaml:"max_output_lines"`         // Default: 10000.
	Roles              map[string]RoleConfig `json:"roles,omitempty" yaml:"roles,omitempty"`           // Overrides or additions to the built-in roles.
}

// CLIArgs returns the base CLI arguments.
func (a AgentsConfig) CLIArgs() []string {
	if a.Args == nil {
		return []string{"--print"}
	}
	return a.Args
}

// Owner returns the owner id recorded on sandboxes.
func (a AgentsConfig) Owner() string {
	if a.OwnerID == "" {
		return "local"
	}
	return a.OwnerID
}

// TaskTimeout returns the per-task timeout, or 0 for the sandbox default.
func (a AgentsConfig) TaskTimeout() time.Duration {
	return time.Duration(a.TaskTimeoutSeconds) * time.Second
}

// InitTimeout returns the per-command initialization timeout with a default of 30s.
func (a AgentsConfig) InitTimeout() time.Duration {
	if a.InitTimeoutSeconds > 0 {
		return time.Duration(a.InitTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// RoleConfig overrides a role profile. Empty fields keep the built-in value.
type RoleConfig struct {
	Name      string       `json:"name,omitempty" yaml:"name,omitempty"`
	Expertise []string     `json:"expertise,omitempty" yaml:"expertise,omitempty"`
	CLIArgs   []string     `json:"cli_args,omitempty" yaml:"cli_args,omitempty"`
	Limits    LimitsConfig `json:"limits" yaml:"limits"`
}

// FleetMember describes agents serve spawns at startup.
type FleetMember struct {
	Type    string `json:"type" yaml:"type"`
	Count   int    `json:"count" yaml:"count"` // Default: 1.
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
}

// MonitorConfig configures resource sampling.
type MonitorConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"` // Default: 5.
}

// Interval returns the sampling interval with a default of 5s.
func (m *MonitorConfig) Interval() time.Duration {
	if m != nil && m.IntervalSeconds > 0 {
		return time.Duration(m.IntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// HealthChecks reports which dependencies readiness probes cover.
func (o *ObservabilityConfig) HealthChecks() (db, sandbox bool) {
	if o == nil || o.Health == nil {
		return true, true
	}
	return o.Health.IncludeDB, o.Health.IncludeSandbox
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "coder1"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
// When nil, every dependency is checked.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection over backend operations.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// SchedulerConfig configures maintenance jobs. Schedules are standard
// 5-field cron expressions; empty ones take the defaults.
type SchedulerConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Reconcile           string `json:"reconcile" yaml:"reconcile"`                         // Default: "* * * * *".
	PruneEvents         string `json:"prune_events" yaml:"prune_events"`                   // Default: "0 3 * * *".
	EventRetentionHours int    `json:"event_retention_hours" yaml:"event_retention_hours"` // Default: 168 (7 days).
}

// ReconcileSchedule returns the reconcile cron expression.
func (s *SchedulerConfig) ReconcileSchedule() string {
	if s != nil && s.Reconcile != "" {
		return s.Reconcile
	}
	return "* * * * *"
}

// PruneSchedule returns the journal pruning cron expression.
func (s *SchedulerConfig) PruneSchedule() string {
	if s != nil && s.PruneEvents != "" {
		return s.PruneEvents
	}
	return "0 3 * * *"
}

// EventRetention returns how long journal events are kept.
func (s *SchedulerConfig) EventRetention() time.Duration {
	if s != nil && s.EventRetentionHours > 0 {
		return time.Duration(s.EventRetentionHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// NotificationConfig configures outbound notifications.
// When nil, no notifications are sent.
type NotificationConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Log      bool            `json:"log" yaml:"log"`                               // Also write notifications to the process log.
	Kinds    []string        `json:"kinds,omitempty" yaml:"kinds,omitempty"`       // Event kinds to forward. Default: limit_exceeded, task_failed, agent errors.
	Webhooks []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty"` // Webhook targets.
}

// WebhookConfig is one webhook target.
type WebhookConfig struct {
	Name         string            `json:"name" yaml:"name"`
	URL          string            `json:"url" yaml:"url"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	AllowPrivate bool              `json:"allow_private" yaml:"allow_private"` // Permit loopback and private addresses.
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Listen     string `json:"listen" yaml:"listen"`                               // Default: ":8090". Override: CODER1_LISTEN.
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`             // Bearer token for /v1. Empty = open. Override: CODER1_API_TOKEN.
	EnableDocs bool   `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"` // Serve OpenAPI docs at /docs.
}

// ListenAddr returns the listen address.
func (s *ServerConfig) ListenAddr() string {
	if s != nil && s.Listen != "" {
		return s.Listen
	}
	return ":8090"
}

// DefaultConfigPath returns the default config file path (~/.coder1/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/coder1.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".coder1", "config.yaml")
}

// Default returns a runnable configuration with environment overrides applied.
func Default() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// Load reads a YAML, JSONC or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .jsonc for
// JSON with comments, everything else for JSON. Environment variables take
// precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	case ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSONC config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("CODER1_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("CODER1_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CODER1_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("CODER1_BASE_REPO"); v != "" {
		c.Sandbox.BaseRepo = v
	}
	if v := os.Getenv("CODER1_AGENT_CLI"); v != "" {
		c.Agents.CLI = v
	}
	if v := os.Getenv("CODER1_LISTEN"); v != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.Listen = v
	}
	if v := os.Getenv("CODER1_API_TOKEN"); v != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.Token = v
	}

	// A DSN in the environment switches the journal to postgres.
	if v := os.Getenv("CODER1_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed. An
// empty value returns "" so the workspace default applies.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return ""
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.Sandbox.BackendName() {
	case "process", "docker", "tmux":
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use process, docker or tmux)", c.Sandbox.Backend)
	}
	if err := c.Sandbox.Defaults.validate("sandbox.defaults"); err != nil {
		return err
	}
	if err := c.Sandbox.Max.validate("sandbox.max"); err != nil {
		return err
	}
	if c.Sandbox.MaxSandboxes < 0 {
		return fmt.Errorf("sandbox.max_sandboxes must not be negative")
	}
	if c.Sandbox.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.default_timeout_seconds must not be negative")
	}
	if c.Agents.TaskTimeoutSeconds < 0 || c.Agents.InitTimeoutSeconds < 0 {
		return fmt.Errorf("agents timeouts must not be negative")
	}
	for name, role := range c.Agents.Roles {
		if err := role.Limits.validate("agents.roles." + name + ".limits"); err != nil {
			return err
		}
	}
	for i, m := range c.Fleet {
		if m.Type == "" {
			return fmt.Errorf("fleet[%d].type is required", i)
		}
		if m.Count < 0 {
			return fmt.Errorf("fleet[%d].count must not be negative", i)
		}
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set CODER1_DB_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if c.Scheduler != nil && c.Scheduler.Enabled {
		for name, spec := range map[string]string{
			"reconcile":    c.Scheduler.Reconcile,
			"prune_events": c.Scheduler.PruneEvents,
		} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("scheduler.%s: invalid cron expression %q: %w", name, spec, err)
			}
		}
	}

	if c.Notification != nil && c.Notification.Enabled {
		for i, w := range c.Notification.Webhooks {
			if w.URL == "" {
				return fmt.Errorf("notification.webhooks[%d].url is required", i)
			}
			if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
				return fmt.Errorf("notification.webhooks[%d].url must be http or https", i)
			}
		}
	}

	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		switch t.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Tracing.Protocol)
		}
	}
	return nil
}
