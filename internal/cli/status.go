package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/p42r/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the p42r daemon is running, its enabled platforms and pairing state.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := cfg.PIDFile()

	pid, running := daemon.RunningPID(pidFile)
	if !running {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		// The PID file is written once at startup.
		if fileInfo, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
		}
	}

	var platforms []string
	if cfg.Telegram.Enabled {
		platforms = append(platforms, "telegram")
	}
	if cfg.Gateway.Enabled {
		platforms = append(platforms, fmt.Sprintf("local (ws://%s:%d/ws)", cfg.Gateway.Host, cfg.Gateway.Port))
	}
	if len(platforms) == 0 {
		platforms = append(platforms, "none")
	}
	fmt.Fprintf(out, "Platforms: %s\n", strings.Join(platforms, ", "))
	fmt.Fprintf(out, "Data dir: %s\n", cfg.DataDir)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Authorized identities: %d\n", len(store.ListAllowlist()))
	fmt.Fprintf(out, "Pending pairing requests: %d\n", len(store.ListPending()))
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
