package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/storage"
)

var (
	historyAgent  string
	historyStatus string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent tasks from the journal",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "only tasks of this agent id")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only tasks in this status")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum tasks to show")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := initWorkspace(cfg)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	tasks, err := store.ListTasks(ctx, storage.TaskFilter{
		AgentID: historyAgent,
		Status:  agent.TaskStatus(historyStatus),
		Limit:   historyLimit,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks recorded")
		return nil
	}
	fmt.Fprintln(out, renderTable(
		[]string{"TASK", "AGENT", "STATUS", "PRIORITY", "EXIT", "DURATION", "CREATED", "DESCRIPTION"},
		taskRows(tasks), 2))
	return nil
}

func taskRows(tasks []agent.Task) [][]string {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		exit, took := "-", "-"
		if t.Status.Terminal() {
			exit = strconv.Itoa(t.ExitCode)
		}
		if !t.StartedAt.IsZero() && !t.FinishedAt.IsZero() {
			took = t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond).String()
		}
		rows[i] = []string{
			short(t.ID),
			short(t.AgentID),
			string(t.Status),
			string(t.Priority),
			exit,
			took,
			t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(t.Description, 60),
		}
	}
	return rows
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
