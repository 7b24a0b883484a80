package handlers

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/harun/p42r/pkg/action"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemInfo reports host, OS, uptime, CPU and memory figures.
type SystemInfo struct {
	cfg Config
}

// NewSystemInfo creates the sysinfo handler.
func NewSystemInfo(cfg Config) *SystemInfo {
	return &SystemInfo{cfg: cfg.withDefaults()}
}

func (h *SystemInfo) Spec() action.Spec {
	return action.Spec{
		Verb:    "sysinfo",
		Summary: "show host and resource usage",
		Usage:   "sysinfo",
		Output:  action.SingleShot,
	}
}

func (h *SystemInfo) Validate(args []string) error { return nil }

func (h *SystemInfo) Execute(ctx context.Context, args []string, ec action.ExecContext) error {
	var b strings.Builder

	if info, err := host.InfoWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "Host: %s\n", info.Hostname)
		fmt.Fprintf(&b, "OS: %s %s (%s)\n", info.Platform, info.PlatformVersion, info.OS)
		fmt.Fprintf(&b, "Kernel: %s %s\n", info.KernelVersion, info.KernelArch)
		fmt.Fprintf(&b, "Uptime: %s\n", (time.Duration(info.Uptime) * time.Second).String())
	} else {
		fmt.Fprintf(&b, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		cores = runtime.NumCPU()
	}
	fmt.Fprintf(&b, "CPUs: %d\n", cores)
	if avg, err := load.AvgWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "Load: %.2f %.2f %.2f\n", avg.Load1, avg.Load5, avg.Load15)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "Memory: %s / %s (%.1f%%)\n", humanBytes(vm.Used), humanBytes(vm.Total), vm.UsedPercent)
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		fmt.Fprintf(&b, "Disk /: %s / %s (%.1f%%)\n", humanBytes(usage.Used), humanBytes(usage.Total), usage.UsedPercent)
	}

	return ec.Emit(ctx, action.Text(strings.TrimRight(b.String(), "\n")))
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
