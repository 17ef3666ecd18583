package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// procStat builds a /proc/<pid>/stat line with the given utime, stime and
// rss (pages); the remaining fields are zero.
func procStat(pid, comm, utime, stime, rss string) string {
	fields := []string{pid, "(" + comm + ")", "S", "1", pid, pid, "0", "-1", "4194560",
		"100", "0", "0", "0", utime, stime, "0", "0", "20", "0", "1", "0", "100", "1000", rss,
		"18446744073709551615"}
	for len(fields) < 52 {
		fields = append(fields, "0")
	}
	return strings.Join(fields, " ") + "\n"
}

func writeProc(t *testing.T, root, pid, cwd, stat string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(cwd, filepath.Join(dir, "cwd")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestProcTable_Sample(t *testing.T) {
	root := t.TempDir()
	// comm contains a space and a parenthesis.
	stat := procStat("42", "my (cmd)", "150", "50", "256")
	writeProc(t, root, "42", "/sbx/one/src", stat)
	writeProc(t, root, "43", "/sbx/one", stat)
	writeProc(t, root, "44", "/sbx/onetwo", stat)
	writeProc(t, root, "45", "/sbx/one", "garbage")
	os.MkdirAll(filepath.Join(root, "self"), 0750)

	p := &procTable{procRoot: root, last: make(map[string]cpuMark)}
	stats, err := p.sample("s1", "/sbx/one")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processes != 2 {
		t.Errorf("processes = %d, want 2", stats.Processes)
	}
	wantMB := float64(2*256*os.Getpagesize()) / (1024 * 1024)
	if stats.MemoryMB != wantMB {
		t.Errorf("memory = %v, want %v", stats.MemoryMB, wantMB)
	}
	if stats.CPUPercent != 0 {
		t.Errorf("first sample cpu = %v, want 0", stats.CPUPercent)
	}
	// (150+50) ticks at 100 Hz, twice.
	if got := p.last["s1"].seconds; got != 4 {
		t.Errorf("cpu seconds = %v, want 4", got)
	}

	p.forget("s1")
	if _, ok := p.last["s1"]; ok {
		t.Error("forget did not drop the cpu mark")
	}
}

func TestProcTable_MissingRoot(t *testing.T) {
	p := &procTable{procRoot: filepath.Join(t.TempDir(), "nope"), last: make(map[string]cpuMark)}
	if _, err := p.sample("s1", "/sbx"); err == nil {
		t.Error("expected an error for a missing proc root")
	}
}

func TestWithin(t *testing.T) {
	if !within("/a/b", "/a/b") || !within("/a/b", "/a/b/c") {
		t.Error("expected paths inside root")
	}
	if within("/a/b", "/a/bc") || within("/a/b", "/a") {
		t.Error("expected paths outside root")
	}
}
