package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "coder1-runtime:latest"

	containerWorkdir = "/workspace"
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	Image          string        // Container image (e.g. "coder1-runtime:latest").
	DefaultTimeout time.Duration // Wall-clock timeout per command.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none (no network stack at all).
	User           string        // --user; defaults to the host uid:gid so bind-mounted files stay owned by it.

	// HardLimits passes the sandbox memory ceiling to --memory. Off by
	// default: ceilings are reported by the monitor, not enforced.
	HardLimits bool

	// Env is added to the environment of every exec.
	Env map[string]string
}

// DockerBackend keeps one long-lived hardened container per sandbox with the
// working tree bind-mounted at /workspace. Commands run through docker exec.
//
//   - ALL Linux capabilities dropped, privilege escalation blocked
//   - Read-only root filesystem with tmpfs for writable dirs
//   - Network disabled unless NetworkAllowed
//   - PIDs limit and CPU rate limit
//   - Container always removed on Destroy, even after a crash
type DockerBackend struct {
	config    DockerConfig
	worktrees *workspace.Worktrees
	logger    *slog.Logger
}

// NewDockerBackend creates a Docker backend.
func NewDockerBackend(cfg DockerConfig, worktrees *workspace.Worktrees, logger *slog.Logger) *DockerBackend {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.User == "" {
		cfg.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DockerBackend{config: cfg, worktrees: worktrees, logger: logger}
}

func (b *DockerBackend) Name() string { return "docker" }

// Ping checks that the Docker daemon answers.
func (b *DockerBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		return fmt.Errorf("docker info: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Create checks out the working tree and starts the sandbox container.
func (b *DockerBackend) Create(ctx context.Context, spec Spec) (*Handle, error) {
	co, err := b.worktrees.Create(ctx, spec.Path, spec.ID)
	if err != nil {
		return nil, err
	}
	name, err := generateContainerName()
	if err != nil {
		_ = b.worktrees.Remove(ctx, co)
		return nil, fmt.Errorf("generating container name: %w", err)
	}
	h := &Handle{ID: spec.ID, Path: co.Path, Checkout: co, Session: name, Limits: spec.Limits}

	args := b.buildRunArgs(name, co.Path, spec.Limits)
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		b.forceRemoveContainer(name)
		_ = b.worktrees.Remove(ctx, co)
		return nil, fmt.Errorf("docker run: %s: %w", strings.TrimSpace(string(out)), err)
	}

	b.logger.Info("docker sandbox started",
		slog.String("sandbox", spec.ID),
		slog.String("container", name),
		slog.String("image", b.config.Image),
	)
	return h, nil
}

// buildRunArgs constructs the docker run argument list with all hardening
// flags for a detached sandbox container.
func (b *DockerBackend) buildRunArgs(name, hostPath string, limits Limits) []string {
	cpuFlag := strconv.FormatFloat(b.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(b.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "coder1.sandbox=true",

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=" + b.config.User,

		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,nosuid,size=256m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--volume", hostPath + ":" + containerWorkdir,
		"--workdir", containerWorkdir,
	}

	if b.config.HardLimits && limits.MaxMemoryMB > 0 {
		memoryFlag := strconv.Itoa(limits.MaxMemoryMB) + "m"
		args = append(args, "--memory="+memoryFlag, "--memory-swap="+memoryFlag)
	}

	if b.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range b.config.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Image, then a command that keeps the container alive for docker exec.
	args = append(args, b.config.Image, "sleep", "infinity")
	return args
}

// buildExecArgs constructs the docker exec argument list for c.
func (b *DockerBackend) buildExecArgs(h *Handle, c Command) []string {
	workdir := containerWorkdir
	if c.Dir != "" {
		workdir = path.Join(containerWorkdir, path.Clean("/"+c.Dir))
	}
	args := []string{"exec", "--workdir", workdir}
	for k, v := range c.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, h.Session)
	return append(args, c.Args...)
}

// Run executes c inside the sandbox container.
func (b *DockerBackend) Run(ctx context.Context, h *Handle, c Command) (*Output, error) {
	if len(c.Args) == 0 {
		return nil, ErrEmptyCommand
	}
	timeout := commandTimeout(c, b.config.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", b.buildExecArgs(h, c)...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	b.logger.Debug("docker sandbox executing",
		slog.String("sandbox", h.ID),
		slog.String("container", h.Session),
		slog.String("command", c.String()),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Output{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (b *DockerBackend) Diff(ctx context.Context, h *Handle) (string, error) {
	return b.worktrees.Diff(ctx, h.Checkout)
}

func (b *DockerBackend) Merge(ctx context.Context, h *Handle) error {
	return b.worktrees.Merge(ctx, h.Checkout, "")
}

// Alive reports whether the sandbox container is running.
func (b *DockerBackend) Alive(ctx context.Context, h *Handle) (bool, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.State.Running}}", h.Session).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such")) {
			return false, nil
		}
		return false, fmt.Errorf("docker inspect: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// dockerStats is the subset of `docker stats --format '{{json .}}'` we read.
type dockerStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	PIDs     string `json:"PIDs"`
}

// Stats samples the container through docker stats.
func (b *DockerBackend) Stats(ctx context.Context, h *Handle) (*Stats, error) {
	out, err := exec.CommandContext(ctx, "docker", "stats", "--no-stream", "--format", "{{json .}}", h.Session).Output()
	if err != nil {
		return nil, fmt.Errorf("docker stats: %w", err)
	}
	return parseDockerStats(out)
}

func parseDockerStats(data []byte) (*Stats, error) {
	var raw dockerStats
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing docker stats: %w", err)
	}
	stats := &Stats{}
	if v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(raw.CPUPerc), "%"), 64); err == nil {
		stats.CPUPercent = v
	}
	used, _, _ := strings.Cut(raw.MemUsage, "/")
	stats.MemoryMB = parseSizeMB(strings.TrimSpace(used))
	if n, err := strconv.Atoi(strings.TrimSpace(raw.PIDs)); err == nil {
		stats.Processes = n
	}
	return stats, nil
}

// parseSizeMB converts docker's human sizes ("12.5MiB", "1.2GiB", "512kB") to MB.
func parseSizeMB(s string) float64 {
	units := []struct {
		suffix string
		mb     float64
	}{
		{"GiB", 1024}, {"MiB", 1}, {"KiB", 1.0 / 1024},
		{"GB", 1000 * 1000 * 1000 / (1024.0 * 1024)}, {"MB", 1000 * 1000 / (1024.0 * 1024)}, {"kB", 1000 / (1024.0 * 1024)},
		{"B", 1 / (1024.0 * 1024)},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0
			}
			return v * u.mb
		}
	}
	return 0
}

// Destroy removes the container and the working tree.
func (b *DockerBackend) Destroy(ctx context.Context, h *Handle) error {
	if h.Session != "" {
		b.forceRemoveContainer(h.Session)
	}
	return b.worktrees.Remove(ctx, h.Checkout)
}

// forceRemoveContainer removes a container by name. Errors are logged,
// not returned.
func (b *DockerBackend) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		b.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns a unique container name: coder1-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "coder1-sbx-" + hex.EncodeToString(buf), nil
}
