package main

import (
	"strings"
	"testing"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/config"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

func TestRolesFromConfig(t *testing.T) {
	roles, err := rolesFromConfig(map[string]config.RoleConfig{
		"Backend": {Expertise: []string{"gRPC"}, Limits: config.LimitsConfig{MaxMemoryMB: 4096}},
		"ml":      {Name: "ML Engineer", Expertise: []string{"PyTorch"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	backend, err := roles.Lookup(agent.TypeBackend)
	if err != nil {
		t.Fatal(err)
	}
	if len(backend.Expertise) != 1 || backend.Limits.MaxMemoryMB != 4096 || backend.Name == "" {
		t.Errorf("backend override = %+v", backend)
	}
	if _, err := parseAgentType(roles, " ML "); err != nil {
		t.Errorf("custom role: %v", err)
	}
	if _, err := parseAgentType(roles, "designer"); err == nil || !strings.Contains(err.Error(), "frontend") {
		t.Errorf("unknown role err = %v", err)
	}
}

func TestFormatLimits(t *testing.T) {
	if got := formatLimits(sandbox.Limits{}); got != "defaults" {
		t.Errorf("empty = %q", got)
	}
	got := formatLimits(sandbox.Limits{MaxCPUPercent: 40, MaxMemoryMB: 2048, TimeLimit: time.Hour})
	if got != "cpu 40% mem 2048MB time 1h0m0s" {
		t.Errorf("formatLimits = %q", got)
	}
}

func TestTaskRows(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := taskRows([]agent.Task{
		{ID: "0123456789", AgentID: "abc", Status: agent.TaskFailed, Priority: agent.PriorityHigh, ExitCode: 2,
			CreatedAt: start, StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond), Description: "fix it"},
		{ID: "t2", Status: agent.TaskInProgress, CreatedAt: start, StartedAt: start},
	})
	if rows[0][0] != "01234567" || rows[0][4] != "2" || rows[0][5] != "1.5s" {
		t.Errorf("row 0 = %q", rows[0])
	}
	if rows[1][4] != "-" || rows[1][5] != "-" {
		t.Errorf("unfinished row = %q", rows[1])
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Errorf("debug: %v", err)
	}
	if _, err := newLogger("chatty"); err == nil {
		t.Error("invalid level accepted")
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"TASK", "STATUS"}, [][]string{{"t1", "completed"}}, 1)
	for _, want := range []string{"TASK", "STATUS", "t1", "completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}
