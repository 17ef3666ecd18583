package sandbox

import (
	"testing"
	"time"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSpawning, StatusRunning, true},
		{StatusSpawning, StatusError, true},
		{StatusSpawning, StatusIdle, false},
		{StatusRunning, StatusIdle, true},
		{StatusIdle, StatusRunning, true},
		{StatusRunning, StatusStopped, true},
		{StatusIdle, StatusError, true},
		{StatusError, StatusStopped, true},
		{StatusError, StatusRunning, false},
		{StatusStopped, StatusRunning, false},
		{StatusStopped, StatusSpawning, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatus_Runnable(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusIdle} {
		if !s.Runnable() {
			t.Errorf("%s should be runnable", s)
		}
	}
	for _, s := range []Status{StatusSpawning, StatusStopped, StatusError} {
		if s.Runnable() {
			t.Errorf("%s should not be runnable", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("idle"); err != nil || s != StatusIdle {
		t.Errorf("ParseStatus(idle) = %q, %v", s, err)
	}
	if _, err := ParseStatus("paused"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestLimits_Merge(t *testing.T) {
	base := Limits{MaxCPUPercent: 50, MaxMemoryMB: 1024, MaxDiskMB: 2048}
	got := base.Merge(Limits{MaxMemoryMB: 4096, TimeLimit: time.Hour})

	want := Limits{MaxCPUPercent: 50, MaxMemoryMB: 4096, MaxDiskMB: 2048, TimeLimit: time.Hour}
	if got != want {
		t.Errorf("Merge = %+v, want %+v", got, want)
	}
}

func TestLimits_Exceeds(t *testing.T) {
	max := Limits{MaxCPUPercent: 80, MaxMemoryMB: 4096}

	tests := []struct {
		name   string
		limits Limits
		want   string
	}{
		{"fits", Limits{MaxCPUPercent: 40, MaxMemoryMB: 2048}, ""},
		{"cpu", Limits{MaxCPUPercent: 90}, "cpu"},
		{"memory", Limits{MaxMemoryMB: 8192}, "memory"},
		{"unbounded disk", Limits{MaxDiskMB: 1 << 20}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.limits.Exceeds(max); got != tc.want {
				t.Errorf("Exceeds = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveDir(t *testing.T) {
	root := "/srv/sbx"
	tests := []struct {
		rel, want string
	}{
		{"", "/srv/sbx"},
		{"src", "/srv/sbx/src"},
		{"../../etc", "/srv/sbx/etc"},
		{"/abs", "/srv/sbx/abs"},
	}
	for _, tc := range tests {
		got, err := resolveDir(root, tc.rel)
		if err != nil {
			t.Errorf("resolveDir(%q): %v", tc.rel, err)
			continue
		}
		if got != tc.want {
			t.Errorf("resolveDir(%q) = %q, want %q", tc.rel, got, tc.want)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf limitedBuffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v; want 11, nil", n, err)
	}
	if _, err := lw.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	if got := string(buf); got != "hello" {
		t.Errorf("captured %q, want %q", got, "hello")
	}
}

type limitedBuffer []byte

func (b *limitedBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
