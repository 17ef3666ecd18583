package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"golang.org/x/sys/unix"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	DefaultTimeout time.Duration

	// HardLimits wraps every command in ulimit using the sandbox memory
	// ceiling. Off by default: ceilings are reported by the monitor, not
	// enforced.
	HardLimits bool

	// Env is added to the sanitized environment of every command.
	Env map[string]string
}

// ProcessBackend runs every command as an OS process in its own process
// group, with the sandbox working tree as its directory.
//
//   - No environment inheritance from the parent, only a minimal safe set
//   - Entire process group killed on timeout, cancel or Destroy
//   - stdout/stderr capped
type ProcessBackend struct {
	config    ProcessConfig
	worktrees *workspace.Worktrees
	procs     *procTable
	logger    *slog.Logger

	mu     sync.Mutex
	groups map[string]map[int]struct{} // handle id -> live process group ids
}

// NewProcessBackend creates a process backend. worktrees provides the
// per-sandbox working trees.
func NewProcessBackend(cfg ProcessConfig, worktrees *workspace.Worktrees, logger *slog.Logger) *ProcessBackend {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ProcessBackend{
		config:    cfg,
		worktrees: worktrees,
		procs:     newProcTable(),
		logger:    logger,
		groups:    make(map[string]map[int]struct{}),
	}
}

func (b *ProcessBackend) Name() string { return "process" }

// Ping checks that a shell (and git, when a base repository is set) is available.
func (b *ProcessBackend) Ping(_ context.Context) error {
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		return fmt.Errorf("process backend: %w", err)
	}
	if b.worktrees.Repo() != "" {
		if _, err := exec.LookPath("git"); err != nil {
			return fmt.Errorf("process backend: %w", err)
		}
	}
	return nil
}

func (b *ProcessBackend) Create(ctx context.Context, spec Spec) (*Handle, error) {
	co, err := b.worktrees.Create(ctx, spec.Path, spec.ID)
	if err != nil {
		return nil, err
	}
	return &Handle{ID: spec.ID, Path: co.Path, Checkout: co, Limits: spec.Limits}, nil
}

// Run executes cmd in the sandbox working tree.
func (b *ProcessBackend) Run(ctx context.Context, h *Handle, c Command) (*Output, error) {
	if len(c.Args) == 0 {
		return nil, ErrEmptyCommand
	}
	dir, err := resolveDir(h.Path, c.Dir)
	if err != nil {
		return nil, err
	}

	timeout := commandTimeout(c, b.config.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	if b.config.HardLimits && h.Limits.MaxMemoryMB > 0 {
		// exec "$@" with positional parameters: the command is never
		// interpolated into the shell string.
		script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", h.Limits.MaxMemoryMB*1024)
		args := append([]string{"-c", script, "_"}, c.Args...)
		cmd = exec.CommandContext(ctx, "/bin/sh", args...)
	}
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID kills the entire process group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.Env = buildEnv(h.Path, b.config.Env, c.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	b.logger.Debug("process sandbox executing",
		slog.String("sandbox", h.ID),
		slog.String("command", c.String()),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	b.track(h.ID, cmd.Process.Pid)
	runErr := cmd.Wait()
	b.untrack(h.ID, cmd.Process.Pid)
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.Warn("process sandbox timed out",
				slog.String("sandbox", h.ID),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("execution timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
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

func (b *ProcessBackend) Diff(ctx context.Context, h *Handle) (string, error) {
	return b.worktrees.Diff(ctx, h.Checkout)
}

func (b *ProcessBackend) Merge(ctx context.Context, h *Handle) error {
	return b.worktrees.Merge(ctx, h.Checkout, "")
}

func (b *ProcessBackend) Alive(_ context.Context, h *Handle) (bool, error) {
	return b.worktrees.Exists(h.Checkout), nil
}

// Stats samples every process whose working directory is inside the sandbox.
func (b *ProcessBackend) Stats(_ context.Context, h *Handle) (*Stats, error) {
	return b.procs.sample(h.ID, h.Path)
}

// Destroy kills any process group still running for h and removes the
// working tree.
func (b *ProcessBackend) Destroy(ctx context.Context, h *Handle) error {
	b.mu.Lock()
	groups := b.groups[h.ID]
	delete(b.groups, h.ID)
	b.mu.Unlock()

	for pgid := range groups {
		if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			b.logger.Warn("killing process group",
				slog.String("sandbox", h.ID),
				slog.Int("pgid", pgid),
				slog.String("error", err.Error()),
			)
		}
	}
	b.procs.forget(h.ID)
	return b.worktrees.Remove(ctx, h.Checkout)
}

func (b *ProcessBackend) track(id string, pgid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[id] == nil {
		b.groups[id] = make(map[int]struct{})
	}
	b.groups[id][pgid] = struct{}{}
}

func (b *ProcessBackend) untrack(id string, pgid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groups[id], pgid)
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is never inherited.
func buildEnv(home string, layers ...map[string]string) []string {
	env := []string{
		"PATH=" + goutils.Env("CODER1_SANDBOX_PATH", "/usr/local/bin:/usr/bin:/bin"),
		"HOME=" + home,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for _, layer := range layers {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	return env
}
