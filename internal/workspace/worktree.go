package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
)

// BranchPrefix namespaces every sandbox branch in the base repository.
const BranchPrefix = "coder1/"

var (
	// ErrConflict is returned by Merge when the base repository reports a
	// conflict. The merge is aborted before returning.
	ErrConflict = fmt.Errorf("worktree: %w", domain.ErrMergeConflict)

	// ErrNoRepository is returned by Diff and Merge when no base repository is configured.
	ErrNoRepository = errors.New("worktree: no base repository configured")
)

// gitIdentity is used for sandbox commits and merge commits so that hosts
// without a configured git user still work.
var gitIdentity = []string{"-c", "user.name=coder1", "-c", "user.email=coder1@localhost"}

// Checkout is one sandbox working tree.
type Checkout struct {
	Path   string // Absolute path of the working tree.
	Branch string // Empty when no base repository is configured.
	Base   string // Commit the branch was created from.
}

// Worktrees creates and tears down per-sandbox working trees. With a base
// repository configured each sandbox is a git worktree on its own branch;
// without one each sandbox is a plain empty directory.
type Worktrees struct {
	repo    string
	baseRef string
	logger  *slog.Logger

	// mu serializes writes to the base repository (worktree add/remove,
	// merges). Every sandbox shares its HEAD, index and refs.
	mu sync.Mutex
}

// NewWorktrees creates a worktree manager. repo may be empty.
func NewWorktrees(repo, baseRef string, logger *slog.Logger) *Worktrees {
	if baseRef == "" {
		baseRef = "HEAD"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worktrees{repo: repo, baseRef: baseRef, logger: logger}
}

// Repo returns the base repository path, or "" when none is configured.
func (w *Worktrees) Repo() string { return w.repo }

// Create checks out a working tree for sandbox name at dir.
func (w *Worktrees) Create(ctx context.Context, dir, name string) (*Checkout, error) {
	if w.repo == "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating sandbox dir %s: %w", dir, err)
		}
		return &Checkout{Path: dir}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	base, err := git(ctx, w.repo, "rev-parse", "--verify", w.baseRef+"^{commit}")
	if err != nil {
		return nil, fmt.Errorf("resolving base %s: %w", w.baseRef, err)
	}
	base = strings.TrimSpace(base)
	branch := BranchPrefix + name

	if _, err := git(ctx, w.repo, "worktree", "add", "-b", branch, dir, base); err != nil {
		return nil, fmt.Errorf("git worktree add: %w", err)
	}

	w.logger.Debug("worktree created",
		slog.String("path", dir),
		slog.String("branch", branch),
		slog.String("base", base),
	)
	return &Checkout{Path: dir, Branch: branch, Base: base}, nil
}

// Remove deletes the working tree and its branch. Best-effort: a missing
// worktree or branch is not an error.
func (w *Worktrees) Remove(ctx context.Context, co *Checkout) error {
	if co == nil {
		return nil
	}
	if w.repo != "" && co.Branch != "" {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, err := git(ctx, w.repo, "worktree", "remove", "--force", co.Path); err != nil {
			w.logger.Debug("git worktree remove failed", slog.String("path", co.Path), slog.String("error", err.Error()))
		}
		if _, err := git(ctx, w.repo, "branch", "-D", co.Branch); err != nil {
			w.logger.Debug("git branch delete failed", slog.String("branch", co.Branch), slog.String("error", err.Error()))
		}
	}
	if err := os.RemoveAll(co.Path); err != nil {
		return fmt.Errorf("removing %s: %w", co.Path, err)
	}
	return nil
}

// Exists reports whether the working tree directory is still present.
func (w *Worktrees) Exists(co *Checkout) bool {
	if co == nil {
		return false
	}
	_, err := os.Stat(co.Path)
	return err == nil
}

// Diff returns a unified diff of the working tree (including untracked
// files) against the commit the sandbox was created from. The sandbox's
// index and branch are left untouched.
func (w *Worktrees) Diff(ctx context.Context, co *Checkout) (string, error) {
	if w.repo == "" || co.Branch == "" {
		return "", ErrNoRepository
	}
	tree, err := snapshotTree(ctx, co.Path)
	if err != nil {
		return "", err
	}
	out, err := git(ctx, co.Path, "diff", "--no-color", co.Base, tree)
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return out, nil
}

// Merge merges the sandbox's current working tree into the base
// repository's current branch. The working tree is snapshotted into a
// detached commit, so the sandbox branch never moves. A conflicting merge
// is aborted and reported as ErrConflict.
func (w *Worktrees) Merge(ctx context.Context, co *Checkout, message string) error {
	if w.repo == "" || co.Branch == "" {
		return ErrNoRepository
	}
	if message == "" {
		message = "coder1: merge " + co.Branch
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := git(ctx, co.Path, "rev-parse", "--verify", "HEAD^{commit}")
	if err != nil {
		return fmt.Errorf("resolving sandbox head: %w", err)
	}
	head = strings.TrimSpace(head)
	tree, err := snapshotTree(ctx, co.Path)
	if err != nil {
		return err
	}
	headTree, err := git(ctx, co.Path, "rev-parse", head+"^{tree}")
	if err != nil {
		return fmt.Errorf("resolving sandbox tree: %w", err)
	}

	source := head
	if strings.TrimSpace(headTree) != tree {
		args := append(append([]string{}, gitIdentity...), "commit-tree", tree, "-p", head, "-m", message)
		commit, err := git(ctx, co.Path, args...)
		if err != nil {
			return fmt.Errorf("git commit-tree: %w", err)
		}
		source = strings.TrimSpace(commit)
	}

	args := append(append([]string{}, gitIdentity...), "merge", "--no-ff", "--no-edit", "-m", message, source)
	if _, mergeErr := git(ctx, w.repo, args...); mergeErr != nil {
		conflicted, _ := git(ctx, w.repo, "diff", "--name-only", "--diff-filter=U")
		if strings.TrimSpace(conflicted) == "" {
			return fmt.Errorf("git merge: %w", mergeErr)
		}
		if _, err := git(ctx, w.repo, "merge", "--abort"); err != nil {
			w.logger.Warn("git merge --abort failed", slog.String("error", err.Error()))
		}
		w.logger.Info("merge conflict",
			slog.String("branch", co.Branch),
			slog.String("files", strings.TrimSpace(conflicted)),
		)
		return ErrConflict
	}
	return nil
}

// snapshotTree writes the working tree at dir (tracked and untracked,
// honouring .gitignore) as a tree object through a throwaway index and
// returns its id.
func snapshotTree(ctx context.Context, dir string) (string, error) {
	tmp, err := os.MkdirTemp("", "coder1-index-")
	if err != nil {
		return "", fmt.Errorf("creating temp index dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	env := []string{"GIT_INDEX_FILE=" + filepath.Join(tmp, "index")}

	if _, err := gitEnv(ctx, dir, env, "read-tree", "HEAD"); err != nil {
		return "", fmt.Errorf("git read-tree: %w", err)
	}
	if _, err := gitEnv(ctx, dir, env, "add", "--all"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}
	tree, err := gitEnv(ctx, dir, env, "write-tree")
	if err != nil {
		return "", fmt.Errorf("git write-tree: %w", err)
	}
	return strings.TrimSpace(tree), nil
}

// git runs a git subcommand in dir and returns its stdout.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	return gitEnv(ctx, dir, nil, args...)
}

// gitEnv is git with extra environment entries.
func gitEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
