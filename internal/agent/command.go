package agent

import (
	"path"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

const (
	defaultCLI     = "claude"
	defaultWorkDir = "work"
)

// CommandBuilder turns roles and tasks into argument-list commands. Nothing
// it produces passes through a shell.
type CommandBuilder struct {
	// CLI is the agent binary. Defaults to "claude".
	CLI string

	// Args are passed before role arguments on every task invocation.
	Args []string

	// WorkDir is the working subdirectory created in each sandbox.
	WorkDir string

	// TaskTimeout bounds one task invocation. Zero uses the backend default.
	TaskTimeout time.Duration

	// InitTimeout bounds each initialization command.
	InitTimeout time.Duration
}

// DefaultCommandBuilder runs the claude CLI in print mode.
func DefaultCommandBuilder() CommandBuilder {
	return CommandBuilder{
		CLI:         defaultCLI,
		Args:        []string{"--print"},
		WorkDir:     defaultWorkDir,
		InitTimeout: 30 * time.Second,
	}
}

func (b CommandBuilder) cli() string {
	if b.CLI == "" {
		return defaultCLI
	}
	return b.CLI
}

func (b CommandBuilder) workDir() string {
	if b.WorkDir == "" {
		return defaultWorkDir
	}
	return path.Clean(b.WorkDir)
}

// InitSequence returns the commands run once in a fresh sandbox: check the
// CLI is available, then create the working subdirectory.
func (b CommandBuilder) InitSequence(_ Role) []sandbox.Command {
	return []sandbox.Command{
		{Args: []string{b.cli(), "--version"}, Timeout: b.InitTimeout},
		{Args: []string{"mkdir", "-p", b.workDir()}, Timeout: b.InitTimeout},
	}
}

// TaskCommand returns the invocation for task: CLI, base args, role args,
// then the description as a single final argument.
func (b CommandBuilder) TaskCommand(role Role, task Task) sandbox.Command {
	args := make([]string, 0, 2+len(b.Args)+len(role.CLIArgs))
	args = append(args, b.cli())
	args = append(args, b.Args...)
	args = append(args, role.CLIArgs...)
	args = append(args, task.Description)

	return sandbox.Command{
		Args: args,
		Dir:  b.workDir(),
		Env: map[string]string{
			"CODER1_TASK_ID":       task.ID,
			"CODER1_TASK_PRIORITY": string(task.Priority),
			"CODER1_AGENT_ROLE":    string(role.Type),
		},
		Timeout: b.TaskTimeout,
	}
}
