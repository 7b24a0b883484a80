package handlers

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/command"
	"github.com/harun/p42r/pkg/supervisor"
)

const shellPath = "/bin/sh"

// ExecShell runs a command on the host and streams its merged output.
type ExecShell struct {
	cfg Config
}

// NewExecShell creates the exec handler.
func NewExecShell(cfg Config) *ExecShell {
	return &ExecShell{cfg: cfg.withDefaults()}
}

func (h *ExecShell) Spec() action.Spec {
	return action.Spec{
		Verb:           "exec",
		Aliases:        []string{"run", "sh"},
		Summary:        "run a shell command",
		Usage:          "exec <command> [args...]",
		MinArgs:        1,
		MaxArgs:        action.Unbounded,
		SpawnsProcess:  true,
		Output:         action.Streaming,
		DefaultTimeout: h.cfg.ExecTimeout,
	}
}

func (h *ExecShell) shellMode() bool {
	return h.cfg.Shell && !h.cfg.AllowlistEnabled
}

// shellText is the argument text as the user typed it, so pipes and
// expansions reach the shell. Requests built without raw text fall back to
// the quoted args.
func shellText(args []string, ec action.ExecContext) string {
	if text := ec.ArgText(); strings.TrimSpace(text) != "" {
		return text
	}
	return command.Join(args)
}

func (h *ExecShell) Validate(args []string) error {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return action.Invalid("exec", "A command is required.\nUsage: exec <command> [args...]")
	}
	if !h.cfg.AllowlistEnabled {
		return nil
	}
	if h.cfg.Allowlist == nil || !h.cfg.Allowlist.IsAllowed(args[0], args[1:]) {
		return action.Invalid("exec", "Command %q is not in the allowlist.", args[0])
	}
	return nil
}

func (h *ExecShell) Execute(ctx context.Context, args []string, ec action.ExecContext) error {
	cmd := supervisor.Command{Path: args[0], Args: args[1:]}
	if h.shellMode() {
		cmd = supervisor.Command{Path: shellPath, Args: []string{"-c", shellText(args, ec)}}
	}

	proc, err := ec.Spawn(cmd)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return action.Invalid("exec", "Command not found: %s", args[0])
		}
		return err
	}

	written, streamErr := streamOutput(ctx, ec, proc)
	status, err := ec.Wait(ctx, proc)
	if err != nil {
		return err
	}
	if streamErr != nil {
		return streamErr
	}
	if status.Success() && written == 0 {
		if err := ec.Emit(ctx, action.Text("(no output)")); err != nil {
			return err
		}
	}
	return exitResult(status)
}
