package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/harun/p42r/pkg/action"
	"github.com/rs/zerolog/log"
)

// KillProcess signals a host process by PID or by exact name.
type KillProcess struct {
	cfg  Config
	self int32
}

// NewKillProcess creates the kill handler.
func NewKillProcess(cfg Config) *KillProcess {
	return &KillProcess{cfg: cfg.withDefaults(), self: int32(os.Getpid())}
}

func (h *KillProcess) Spec() action.Spec {
	return action.Spec{
		Verb:    "kill",
		Summary: "terminate a process by pid or name",
		Usage:   "kill <pid|name> [-9|--force]",
		MinArgs: 1,
		MaxArgs: 2,
		Output:  action.SingleShot,
	}
}

type killTarget struct {
	pid   int32
	name  string
	force bool
}

func parseKillArgs(args []string) (killTarget, error) {
	var t killTarget
	var target string
	for _, a := range args {
		switch a {
		case "-9", "--force":
			if t.force {
				return t, action.Invalid("kill", "Usage: kill <pid|name> [-9|--force]")
			}
			t.force = true
		default:
			if target != "" {
				return t, action.Invalid("kill", "Usage: kill <pid|name> [-9|--force]")
			}
			target = a
		}
	}
	if target == "" {
		return t, action.Invalid("kill", "A pid or process name is required.\nUsage: kill <pid|name> [-9|--force]")
	}
	if isDigits(target) {
		pid, err := strconv.ParseInt(target, 10, 32)
		if err != nil || pid <= 0 {
			return t, action.Invalid("kill", "Invalid pid %q.", target)
		}
		t.pid = int32(pid)
		return t, nil
	}
	t.name = target
	return t, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func (h *KillProcess) Validate(args []string) error {
	t, err := parseKillArgs(args)
	if err != nil {
		return err
	}
	return h.refuse(t.pid)
}

func (h *KillProcess) refuse(pid int32) error {
	switch pid {
	case 1:
		return action.Invalid("kill", "Refusing to signal PID 1.")
	case h.self:
		return action.Invalid("kill", "Refusing to signal the agent itself.")
	}
	return nil
}

func (h *KillProcess) Execute(ctx context.Context, args []string, ec action.ExecContext) error {
	t, err := parseKillArgs(args)
	if err != nil {
		return err
	}
	signal := "SIGTERM"
	if t.force {
		signal = "SIGKILL"
	}

	if t.pid != 0 {
		if err := h.signal(ctx, ec, t.pid, t.force); err != nil {
			if errors.Is(err, ErrNoSuchProcess) {
				return action.Invalid("kill", "No process with PID %d.", t.pid)
			}
			return err
		}
		return ec.Emit(ctx, action.Text(fmt.Sprintf("Sent %s to PID %d.", signal, t.pid)))
	}

	procs, err := h.cfg.Processes.List(ctx)
	if err != nil {
		return err
	}
	var signalled, skipped []string
	for _, p := range procs {
		if p.Name != t.name {
			continue
		}
		if h.refuse(p.PID) != nil {
			skipped = append(skipped, strconv.Itoa(int(p.PID)))
			continue
		}
		if err := h.signal(ctx, ec, p.PID, t.force); err != nil {
			if errors.Is(err, ErrNoSuchProcess) {
				continue
			}
			return err
		}
		signalled = append(signalled, strconv.Itoa(int(p.PID)))
	}
	if len(signalled) == 0 {
		if len(skipped) > 0 {
			return action.Invalid("kill", "Refusing to signal %q (PID %s).", t.name, strings.Join(skipped, ", "))
		}
		return action.Invalid("kill", "No process named %q.", t.name)
	}
	return ec.Emit(ctx, action.Text(fmt.Sprintf("Sent %s to %q (PID %s).", signal, t.name, strings.Join(signalled, ", "))))
}

func (h *KillProcess) signal(ctx context.Context, ec action.ExecContext, pid int32, force bool) error {
	if err := h.cfg.Processes.Signal(ctx, pid, force); err != nil {
		return err
	}
	log.Info().
		Str("execution_id", ec.ExecutionID()).
		Str("identity", ec.Identity().String()).
		Int32("pid", pid).
		Bool("force", force).
		Msg("Process signalled")
	return nil
}
