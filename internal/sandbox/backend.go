package sandbox

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 10 * time.Minute
)

// Backend provides isolated environments. The registry is its only caller
// and serializes Run, Diff and Merge per handle.
type Backend interface {
	// Name identifies the backend ("process", "docker", "tmux").
	Name() string

	// Ping reports whether the backend can currently create environments.
	Ping(ctx context.Context) error

	// Create materializes a working tree at spec.Path and any session
	// around it. The returned handle is opaque to callers of the registry.
	Create(ctx context.Context, spec Spec) (*Handle, error)

	// Run executes cmd in the environment.
	Run(ctx context.Context, h *Handle, cmd Command) (*Output, error)

	// Diff returns the textual diff of the working tree against its base.
	Diff(ctx context.Context, h *Handle) (string, error)

	// Merge applies the working tree onto the base. Conflicts leave both
	// sides unchanged and return an error matching domain.ErrMergeConflict.
	Merge(ctx context.Context, h *Handle) error

	// Alive reports whether the environment behind h still exists.
	Alive(ctx context.Context, h *Handle) (bool, error)

	// Destroy tears the environment down. Destroying a missing environment
	// is not an error.
	Destroy(ctx context.Context, h *Handle) error
}

// StatsReporter is implemented by backends that can sample live CPU,
// memory and process counts for an environment.
type StatsReporter interface {
	Stats(ctx context.Context, h *Handle) (*Stats, error)
}

// Stats is a point-in-time sample reported by a backend.
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
	Processes  int
}

// Spec is what the registry asks a backend to create.
type Spec struct {
	ID     string
	Path   string
	Limits Limits
}

// Handle identifies a backend environment.
type Handle struct {
	ID       string
	Path     string
	Checkout *workspace.Checkout
	Session  string // Container name or tmux session. Empty for the process backend.
	Limits   Limits
}

// resolveDir joins a command's relative directory onto the sandbox root and
// refuses paths that escape it.
func resolveDir(root, rel string) (string, error) {
	if rel == "" {
		return root, nil
	}
	dir := filepath.Join(root, filepath.Clean("/"+rel))
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("working directory %q escapes sandbox", rel)
	}
	return dir, nil
}

// commandTimeout returns cmd's timeout, or def when unset.
func commandTimeout(cmd Command, def time.Duration) time.Duration {
	if cmd.Timeout > 0 {
		return cmd.Timeout
	}
	if def > 0 {
		return def
	}
	return defaultTimeout
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
