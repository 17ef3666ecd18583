package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

// TmuxConfig configures the tmux backend.
type TmuxConfig struct {
	Socket         string // tmux -L socket name; keeps sandboxes off the user's server.
	DefaultTimeout time.Duration
	Env            map[string]string
}

// TmuxBackend gives every sandbox a detached tmux session rooted at its
// working tree. Each command runs in its own window; completion is signalled
// through tmux wait-for so the session stays attachable for inspection.
type TmuxBackend struct {
	config    TmuxConfig
	worktrees *workspace.Worktrees
	procs     *procTable
	logger    *slog.Logger
	seq       atomic.Uint64
}

// NewTmuxBackend creates a tmux backend.
func NewTmuxBackend(cfg TmuxConfig, worktrees *workspace.Worktrees, logger *slog.Logger) *TmuxBackend {
	if cfg.Socket == "" {
		cfg.Socket = "coder1"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TmuxBackend{config: cfg, worktrees: worktrees, procs: newProcTable(), logger: logger}
}

func (b *TmuxBackend) Name() string { return "tmux" }

func (b *TmuxBackend) Ping(ctx context.Context) error {
	if _, err := b.tmux(ctx, "-V"); err != nil {
		return fmt.Errorf("tmux backend: %w", err)
	}
	return nil
}

// Create checks out the working tree and starts a detached session in it.
func (b *TmuxBackend) Create(ctx context.Context, spec Spec) (*Handle, error) {
	co, err := b.worktrees.Create(ctx, spec.Path, spec.ID)
	if err != nil {
		return nil, err
	}
	session := sessionName(spec.ID)
	if _, err := b.tmux(ctx, "new-session", "-d", "-s", session, "-c", co.Path); err != nil {
		_ = b.worktrees.Remove(ctx, co)
		return nil, err
	}
	b.logger.Info("tmux sandbox started",
		slog.String("sandbox", spec.ID),
		slog.String("session", session),
	)
	return &Handle{ID: spec.ID, Path: co.Path, Checkout: co, Session: session, Limits: spec.Limits}, nil
}

// windowArgs builds the new-window argument list that runs c and signals
// channel on completion. Output and exit code land in files under spool.
func (b *TmuxBackend) windowArgs(h *Handle, c Command, dir, spool, channel string) []string {
	// Positional parameters only: nothing from c is interpolated into the script.
	const script = `out=$1 err=$2 code=$3 ch=$4; shift 4; "$@" >"$out" 2>"$err"; echo $? >"$code"; tmux -L "$TMUX_SOCKET" wait-for -S "$ch"`

	args := []string{
		"new-window", "-d",
		"-t", h.Session,
		"-n", channel,
		"-c", dir,
		"env", "-i",
	}
	args = append(args, buildEnv(h.Path, b.config.Env, c.Env, map[string]string{"TMUX_SOCKET": b.config.Socket})...)
	args = append(args,
		"/bin/sh", "-c", script, "_",
		filepath.Join(spool, "stdout"),
		filepath.Join(spool, "stderr"),
		filepath.Join(spool, "code"),
		channel,
	)
	return append(args, c.Args...)
}

// Run executes c in a new window of the sandbox session and waits for it.
func (b *TmuxBackend) Run(ctx context.Context, h *Handle, c Command) (*Output, error) {
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

	spool, err := os.MkdirTemp("", "coder1-tmux-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	defer os.RemoveAll(spool)

	channel := fmt.Sprintf("%s-%d", h.Session, b.seq.Add(1))
	start := time.Now()
	if _, err := b.tmux(ctx, b.windowArgs(h, c, dir, spool, channel)...); err != nil {
		return nil, err
	}
	if _, err := b.tmux(ctx, "wait-for", channel); err != nil {
		if ctx.Err() != nil {
			killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer killCancel()
			_, _ = b.tmux(killCtx, "kill-window", "-t", h.Session+":"+channel)
			return nil, fmt.Errorf("execution timed out after %s", timeout)
		}
		return nil, err
	}
	duration := time.Since(start)

	codeRaw, err := os.ReadFile(filepath.Join(spool, "code"))
	if err != nil {
		return nil, fmt.Errorf("reading exit code: %w", err)
	}
	exitCode, err := strconv.Atoi(strings.TrimSpace(string(codeRaw)))
	if err != nil {
		return nil, fmt.Errorf("parsing exit code %q: %w", codeRaw, err)
	}

	return &Output{
		Stdout:   readCapped(filepath.Join(spool, "stdout")),
		Stderr:   readCapped(filepath.Join(spool, "stderr")),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (b *TmuxBackend) Diff(ctx context.Context, h *Handle) (string, error) {
	return b.worktrees.Diff(ctx, h.Checkout)
}

func (b *TmuxBackend) Merge(ctx context.Context, h *Handle) error {
	return b.worktrees.Merge(ctx, h.Checkout, "")
}

// Alive reports whether the tmux session still exists.
func (b *TmuxBackend) Alive(ctx context.Context, h *Handle) (bool, error) {
	_, err := b.tmux(ctx, "has-session", "-t", h.Session)
	return err == nil, nil
}

func (b *TmuxBackend) Stats(_ context.Context, h *Handle) (*Stats, error) {
	return b.procs.sample(h.ID, h.Path)
}

// Destroy kills the session and removes the working tree.
func (b *TmuxBackend) Destroy(ctx context.Context, h *Handle) error {
	if h.Session != "" {
		if _, err := b.tmux(ctx, "kill-session", "-t", h.Session); err != nil {
			b.logger.Debug("tmux kill-session failed",
				slog.String("session", h.Session),
				slog.String("error", err.Error()),
			)
		}
	}
	b.procs.forget(h.ID)
	return b.worktrees.Remove(ctx, h.Checkout)
}

func (b *TmuxBackend) tmux(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-L", b.config.Socket}, args...)
	out, err := exec.CommandContext(ctx, "tmux", full...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// sessionName derives a tmux-safe session name from a sandbox id.
func sessionName(id string) string {
	r := strings.NewReplacer(".", "_", ":", "_")
	return "coder1-" + r.Replace(id)
}

func readCapped(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, _ := io.ReadAll(io.LimitReader(f, maxOutputBytes))
	return string(data)
}
