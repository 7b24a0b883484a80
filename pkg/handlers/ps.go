package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/p42r/pkg/action"
)

// ListProcesses reports the busiest host processes.
type ListProcesses struct {
	cfg Config
}

// NewListProcesses creates the ps handler.
func NewListProcesses(cfg Config) *ListProcesses {
	return &ListProcesses{cfg: cfg.withDefaults()}
}

func (h *ListProcesses) Spec() action.Spec {
	return action.Spec{
		Verb:    "ps",
		Aliases: []string{"processes"},
		Summary: "list running processes",
		Usage:   "ps [filter]",
		MaxArgs: 1,
		Output:  action.SingleShot,
	}
}

func (h *ListProcesses) Validate(args []string) error { return nil }

func (h *ListProcesses) Execute(ctx context.Context, args []string, ec action.ExecContext) error {
	procs, err := h.cfg.Processes.List(ctx)
	if err != nil {
		return err
	}

	filter := ""
	if len(args) > 0 {
		filter = strings.ToLower(args[0])
	}
	rows := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if filter != "" &&
			!strings.Contains(strings.ToLower(p.Name), filter) &&
			!strings.Contains(strings.ToLower(p.Cmdline), filter) {
			continue
		}
		rows = append(rows, p)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CPU != rows[j].CPU {
			return rows[i].CPU > rows[j].CPU
		}
		return rows[i].PID < rows[j].PID
	})
	total := len(rows)
	if total > h.cfg.PSLimit {
		rows = rows[:h.cfg.PSLimit]
	}

	return ec.Emit(ctx, action.Text(formatProcesses(rows, total, filter)))
}

func formatProcesses(rows []ProcessInfo, total int, filter string) string {
	if total == 0 {
		if filter != "" {
			return fmt.Sprintf("No processes match %q.", filter)
		}
		return "No processes found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%7s %6s %6s  %-10s %s\n", "PID", "CPU%", "MEM%", "USER", "NAME")
	for _, p := range rows {
		fmt.Fprintf(&b, "%7d %6.1f %6.1f  %-10s %s\n", p.PID, p.CPU, p.Memory, truncate(p.User, 10), p.Name)
	}
	if total > len(rows) {
		fmt.Fprintf(&b, "(%d of %d shown)", len(rows), total)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
