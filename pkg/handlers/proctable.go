package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNoSuchProcess is returned when a signal target does not exist.
var ErrNoSuchProcess = errors.New("no such process")

// ProcessInfo is one row of the host process table.
type ProcessInfo struct {
	PID     int32
	Name    string
	Cmdline string
	User    string
	CPU     float64
	Memory  float32
}

// ProcessTable lists and signals host processes.
type ProcessTable interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	Signal(ctx context.Context, pid int32, force bool) error
}

// HostProcesses reads the real process table through gopsutil.
type HostProcesses struct{}

func (HostProcesses) List(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Processes can vanish between listing and inspection; fields that
		// cannot be read stay empty.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := ProcessInfo{PID: p.Pid, Name: name}
		info.Cmdline, _ = p.CmdlineWithContext(ctx)
		info.User, _ = p.UsernameWithContext(ctx)
		info.CPU, _ = p.CPUPercentWithContext(ctx)
		info.Memory, _ = p.MemoryPercentWithContext(ctx)
		out = append(out, info)
	}
	return out, nil
}

func (HostProcesses) Signal(ctx context.Context, pid int32, force bool) error {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoSuchProcess
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ErrNoSuchProcess
		}
		return err
	}
	if force {
		return p.KillWithContext(ctx)
	}
	return p.TerminateWithContext(ctx)
}
