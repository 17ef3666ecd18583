package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/workspace"
)

var (
	runRole     string
	runProject  string
	runPriority string
	runTimeout  time.Duration
	runMerge    bool
	runPromote  string
	runNoDiff   bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <task description>",
	Short: "Spawn one agent, run a task in its sandbox and print the result",
	Long: `Spawn a single agent of the given role, assign it the task, wait for it to
finish and print its output and the sandbox diff. The sandbox is destroyed on
exit unless its work is merged or promoted first.

Examples:
  coder1 run --role backend "add a /healthz endpoint to the API server"
  coder1 run --role testing --merge "add table tests for the parser"
  coder1 run --role documentation --promote ./out "write a README"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runRole, "role", "r", string(agent.TypeFullstack), "agent role")
	runCmd.Flags().StringVar(&runProject, "project", "", "project id recorded on the sandbox")
	runCmd.Flags().StringVarP(&runPriority, "priority", "p", "", "task priority (low, medium, high, critical)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "overall deadline")
	runCmd.Flags().BoolVar(&runMerge, "merge", false, "merge the sandbox branch into the base repository on success")
	runCmd.Flags().StringVar(&runPromote, "promote", "", "copy the sandbox working tree to this directory on success")
	runCmd.Flags().BoolVar(&runNoDiff, "no-diff", false, "do not print the sandbox diff")
	runCmd.MarkFlagsMutuallyExclusive("merge", "promote")
}

func runRun(cmd *cobra.Command, args []string) error {
	prio, err := agent.ParsePriority(runPriority)
	if err != nil {
		return err
	}

	sc, err := bootstrap()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	typ, err := parseAgentType(sc.Runtime.Roles(), runRole)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	a, err := sc.Runtime.SpawnAgent(ctx, typ, runProject)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s agent %s ready in sandbox %s\n", a.Role.Name, short(a.ID), short(a.SandboxID))

	task, err := sc.Runtime.AssignTask(ctx, a.ID, agent.TaskRequest{
		Description: strings.Join(args, " "),
		Priority:    prio,
	})
	if err != nil {
		return err
	}
	taskID := task.ID
	task, err = sc.Runtime.WaitTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("waiting for task %s: %w", short(taskID), err)
	}

	if err := printTaskOutput(out, sc.Runtime, a.ID, task.ID); err != nil {
		return err
	}
	if task.Status != agent.TaskCompleted {
		return fmt.Errorf("task %s failed: %s", short(task.ID), task.Error)
	}

	if !runNoDiff {
		if err := printDiff(ctx, out, sc.Sandboxes, a.SandboxID); err != nil {
			return err
		}
	}
	return finishSandbox(ctx, out, sc.Sandboxes, a.SandboxID)
}

// printTaskOutput writes the agent's output lines for one task.
func printTaskOutput(w io.Writer, rt *agent.Runtime, agentID, taskID string) error {
	lines, err := rt.GetAgentOutput(agentID)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if l.TaskID != taskID {
			continue
		}
		if l.Stream == agent.StreamStdout {
			fmt.Fprintln(w, l.Text)
		} else {
			fmt.Fprintf(w, "[%s] %s\n", l.Stream, l.Text)
		}
	}
	return nil
}

func printDiff(ctx context.Context, w io.Writer, sandboxes *sandbox.Registry, id string) error {
	diff, err := sandboxes.Diff(ctx, id)
	switch {
	case errors.Is(err, workspace.ErrNoRepository):
		return nil
	case err != nil:
		return err
	case diff == "":
		fmt.Fprintln(w, "no changes")
	default:
		fmt.Fprintln(w, diff)
	}
	return nil
}

// finishSandbox applies --merge or --promote.
func finishSandbox(ctx context.Context, w io.Writer, sandboxes *sandbox.Registry, id string) error {
	switch {
	case runMerge:
		if err := sandboxes.Merge(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(w, "merged sandbox %s into the base repository\n", short(id))
	case runPromote != "":
		p, err := sandboxes.Promote(ctx, id, runPromote)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "promoted %d files (%d bytes) to %s, digest %s\n", p.Files, p.Bytes, p.Target, p.Digest)
	}
	return nil
}

// short abbreviates an id for display.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
