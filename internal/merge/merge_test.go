package merge

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available, skipping merge test")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.name=test", "-c", "user.email=test@localhost"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	skipIfNoGit(t)
	repo := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(repo, 0o750); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, repo, "init", "-q")
	writeFile(t, filepath.Join(repo, "README.md"), "base\n")
	gitCmd(t, repo, "add", "README.md")
	gitCmd(t, repo, "commit", "-q", "-m", "init")
	return repo
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// newRegistry wires a process-backed registry to a merge service.
func newRegistry(t *testing.T, repo string) (*sandbox.Registry, *Service) {
	t.Helper()
	backend := sandbox.NewProcessBackend(sandbox.ProcessConfig{}, workspace.NewWorktrees(repo, "", nil), nil)
	reg := sandbox.NewRegistry(sandbox.RegistryConfig{Backend: backend, Dir: filepath.Join(t.TempDir(), "sandboxes")})
	svc := New(reg, nil)
	reg.UseMerger(svc)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg, svc
}

func TestService_DiffAndMerge(t *testing.T) {
	repo := initRepo(t)
	reg, _ := newRegistry(t, repo)
	ctx := context.Background()

	s, err := reg.Create(ctx, sandbox.Config{ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(s.Path, "api.go"), "package api\n")

	diff, err := reg.Diff(ctx, s.ID)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !strings.Contains(diff, "api.go") || !strings.Contains(diff, "+package api") {
		t.Errorf("diff missing new file:\n%s", diff)
	}

	if err := reg.Merge(ctx, s.ID); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := readFile(t, filepath.Join(repo, "api.go")); got != "package api\n" {
		t.Errorf("merged content = %q", got)
	}
}

func TestService_MergeConflict(t *testing.T) {
	repo := initRepo(t)
	reg, _ := newRegistry(t, repo)
	ctx := context.Background()

	s, err := reg.Create(ctx, sandbox.Config{})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(s.Path, "README.md"), "sandbox\n")

	writeFile(t, filepath.Join(repo, "README.md"), "upstream\n")
	gitCmd(t, repo, "commit", "-q", "-am", "upstream change")

	err = reg.Merge(ctx, s.ID)
	if !errors.Is(err, domain.ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
	if got := readFile(t, filepath.Join(repo, "README.md")); got != "upstream\n" {
		t.Errorf("base changed after conflict: %q", got)
	}
	if got := readFile(t, filepath.Join(s.Path, "README.md")); got != "sandbox\n" {
		t.Errorf("sandbox changed after conflict: %q", got)
	}
}

func TestService_Promote(t *testing.T) {
	reg, _ := newRegistry(t, "")
	ctx := context.Background()

	s, err := reg.Create(ctx, sandbox.Config{})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(s.Path, "main.go"), "package main\n")
	writeFile(t, filepath.Join(s.Path, "web", "index.html"), "<html></html>\n")
	writeFile(t, filepath.Join(s.Path, ".git", "HEAD"), "ref: refs/heads/main\n")
	if err := os.Symlink("main.go", filepath.Join(s.Path, "entry.go")); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(t.TempDir(), "out")
	p, err := reg.Promote(ctx, s.ID, target)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if p.SandboxID != s.ID || p.Files != 3 || p.Digest == "" {
		t.Errorf("promotion = %+v", p)
	}
	if got := readFile(t, filepath.Join(target, "web", "index.html")); got != "<html></html>\n" {
		t.Errorf("nested file = %q", got)
	}
	if _, err := os.Stat(filepath.Join(target, ".git")); !os.IsNotExist(err) {
		t.Error("VCS metadata promoted")
	}
	if link, err := os.Readlink(filepath.Join(target, "entry.go")); err != nil || link != "main.go" {
		t.Errorf("symlink = %q, %v", link, err)
	}

	again, err := reg.Promote(ctx, s.ID, filepath.Join(t.TempDir(), "out2"))
	if err != nil {
		t.Fatal(err)
	}
	if again.Digest != p.Digest {
		t.Error("digest differs for identical trees")
	}

	writeFile(t, filepath.Join(s.Path, "main.go"), "package main // changed\n")
	changed, err := reg.Promote(ctx, s.ID, target)
	if err != nil {
		t.Fatal(err)
	}
	if changed.Digest == p.Digest {
		t.Error("digest unchanged after edit")
	}
	if got := readFile(t, filepath.Join(target, "main.go")); got != "package main // changed\n" {
		t.Errorf("overwrite = %q", got)
	}
}

func TestService_PromoteErrors(t *testing.T) {
	reg, _ := newRegistry(t, "")
	ctx := context.Background()

	if _, err := reg.Promote(ctx, "missing", t.TempDir()); !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("unknown sandbox err = %v", err)
	}

	s, err := reg.Create(ctx, sandbox.Config{})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(s.Path, "a.txt"), "a")

	blocker := filepath.Join(t.TempDir(), "file")
	writeFile(t, blocker, "not a directory")
	if _, err := reg.Promote(ctx, s.ID, filepath.Join(blocker, "out")); !errors.Is(err, domain.ErrTargetUnwritable) {
		t.Errorf("target under a file err = %v, want ErrTargetUnwritable", err)
	}
	if _, err := reg.Promote(ctx, s.ID, filepath.Join(s.Path, "nested")); !errors.Is(err, domain.ErrTargetUnwritable) {
		t.Errorf("target inside sandbox err = %v, want ErrTargetUnwritable", err)
	}
}

func TestService_DiffWithoutRepository(t *testing.T) {
	reg, svc := newRegistry(t, "")
	s, err := reg.Create(context.Background(), sandbox.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Diff(context.Background(), s.ID); !errors.Is(err, workspace.ErrNoRepository) {
		t.Errorf("err = %v, want ErrNoRepository", err)
	}
}
