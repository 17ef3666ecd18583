package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
)

var (
	broadcastRoles    []string
	broadcastProject  string
	broadcastPriority string
	broadcastTimeout  time.Duration
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast [flags] <task description>",
	Short: "Spawn several roles and let the best-suited agent take a task",
	Long: `Spawn one agent per role, then broadcast the task: the agent whose role
expertise matches the description takes it, falling back to the earliest
spawned idle agent.

Example:
  coder1 broadcast --roles frontend,backend,testing "fix the flaky CSS snapshot test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBroadcast,
}

func init() {
	broadcastCmd.Flags().StringSliceVar(&broadcastRoles, "roles",
		[]string{string(agent.TypeFrontend), string(agent.TypeBackend), string(agent.TypeTesting)},
		"roles to spawn")
	broadcastCmd.Flags().StringVar(&broadcastProject, "project", "", "project id recorded on the sandboxes")
	broadcastCmd.Flags().StringVarP(&broadcastPriority, "priority", "p", "", "task priority (low, medium, high, critical)")
	broadcastCmd.Flags().DurationVar(&broadcastTimeout, "timeout", 30*time.Minute, "overall deadline")
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	prio, err := agent.ParsePriority(broadcastPriority)
	if err != nil {
		return err
	}

	sc, err := bootstrap()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	types := make([]agent.Type, 0, len(broadcastRoles))
	for _, name := range broadcastRoles {
		typ, err := parseAgentType(sc.Runtime.Roles(), name)
		if err != nil {
			return err
		}
		types = append(types, typ)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	for _, typ := range types {
		a, err := sc.Runtime.SpawnAgent(ctx, typ, broadcastProject)
		if err != nil {
			// The remaining agents can still take the task.
			sc.Logger.Warn("agent failed to spawn", slog.String("type", string(typ)), slog.String("error", err.Error()))
			continue
		}
		fmt.Fprintf(out, "spawned %-14s %s\n", typ, short(a.ID))
	}

	task, err := sc.Runtime.BroadcastTask(ctx, agent.TaskRequest{
		Description: strings.Join(args, " "),
		Priority:    prio,
	})
	if err != nil {
		return err
	}
	taken, err := sc.Runtime.GetAgent(task.AgentID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "task %s assigned to %s agent %s\n", short(task.ID), taken.Type, short(taken.ID))

	taskID := task.ID
	task, err = sc.Runtime.WaitTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("waiting for task %s: %w", short(taskID), err)
	}
	if err := printTaskOutput(out, sc.Runtime, task.AgentID, task.ID); err != nil {
		return err
	}
	if task.Status != agent.TaskCompleted {
		return fmt.Errorf("task %s failed: %s", short(task.ID), task.Error)
	}
	return nil
}
