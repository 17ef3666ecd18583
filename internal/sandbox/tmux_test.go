package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

var _ StatsReporter = (*TmuxBackend)(nil)

// skipIfNoTmux skips the test if tmux is not installed.
func skipIfNoTmux(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not available, skipping integration test")
	}
}

func TestSessionName(t *testing.T) {
	if got := sessionName("a.b:c"); got != "coder1-a_b_c" {
		t.Errorf("sessionName = %q", got)
	}
}

func TestTmuxBackend_WindowArgs(t *testing.T) {
	b := NewTmuxBackend(TmuxConfig{Socket: "test"}, workspace.NewWorktrees("", "", nil), nil)
	h := &Handle{ID: "s1", Path: "/sbx", Session: "coder1-s1"}

	args := b.windowArgs(h, Command{Args: []string{"echo", "$(rm -rf /)"}}, "/sbx", "/spool", "coder1-s1-1")

	if !slices.Equal(args[:8], []string{"new-window", "-d", "-t", "coder1-s1", "-n", "coder1-s1-1", "-c", "/sbx"}) {
		t.Errorf("head = %v", args[:8])
	}
	if !slices.Contains(args, "TMUX_SOCKET=test") {
		t.Error("socket not exported to the window")
	}
	// The user command is appended as separate trailing arguments.
	tail := args[len(args)-2:]
	if !slices.Equal(tail, []string{"echo", "$(rm -rf /)"}) {
		t.Errorf("tail = %v", tail)
	}
	for _, a := range args {
		if strings.Contains(a, "rm -rf") && a != "$(rm -rf /)" {
			t.Errorf("command interpolated into %q", a)
		}
	}
}

func TestTmuxBackend_Lifecycle(t *testing.T) {
	skipIfNoTmux(t)

	b := NewTmuxBackend(TmuxConfig{Socket: "coder1-test", DefaultTimeout: 20 * time.Second}, workspace.NewWorktrees("", "", nil), nil)
	ctx := context.Background()

	h, err := b.Create(ctx, Spec{ID: "tmux-it", Path: filepath.Join(t.TempDir(), "sbx")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Destroy(ctx, h)

	out, err := b.Run(ctx, h, Command{Args: []string{"sh", "-c", "echo out; echo err >&2; exit 4"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "out" || strings.TrimSpace(out.Stderr) != "err" || out.ExitCode != 4 {
		t.Errorf("output = %+v", out)
	}

	if alive, _ := b.Alive(ctx, h); !alive {
		t.Error("session should be alive")
	}
	if err := b.Destroy(ctx, h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if alive, _ := b.Alive(ctx, h); alive {
		t.Error("session should be gone after destroy")
	}
}
