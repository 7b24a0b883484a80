package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/platform"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	historyIdentity string
	historyVerb     string
	historyState    string
	historySince    string
	historyLimit    int
	historyJSON     bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished commands from the execution journal",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyIdentity, "identity", "", "only this identity (platform:id)")
	historyCmd.Flags().StringVar(&historyVerb, "verb", "", "only this verb")
	historyCmd.Flags().StringVar(&historyState, "state", "", "only this final state (succeeded, failed, timed_out, cancelled)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "only commands that ended after this duration ago (e.g. 24h) or RFC3339 time")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of entries")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled {
		return errors.New("the execution journal is disabled (journal.enabled)")
	}

	filter := journal.Filter{
		Verb:  historyVerb,
		State: historyState,
		Limit: historyLimit,
	}
	if historyIdentity != "" {
		id, err := platform.ParseIdentity(historyIdentity)
		if err != nil {
			return err
		}
		filter.Identity = id.String()
	}
	if historySince != "" {
		since, err := parseSince(historySince, time.Now())
		if err != nil {
			return err
		}
		filter.Since = since
	}

	j, err := journal.Open(cfg.Journal.Path, zerolog.Nop())
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []journal.Entry{}
		}
		return enc.Encode(entries)
	}
	return printHistory(cmd.OutOrStdout(), entries)
}

func printHistory(out io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching commands.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENDED\tIDENTITY\tCOMMAND\tSTATE\tEXIT\tDURATION")
	for _, e := range entries {
		command := e.Verb
		if e.Args != "" {
			command += " " + e.Args
		}
		if len(command) > 40 {
			command = command[:37] + "..."
		}
		state := e.State
		if e.Reason != "" {
			state += " (" + e.Reason + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.EndedAt.Format("2006-01-02 15:04:05"), e.Identity, command, state, e.ExitCode, entryDuration(e))
	}
	return w.Flush()
}

func entryDuration(e journal.Entry) string {
	start := e.StartedAt
	if start.IsZero() {
		start = e.CreatedAt
	}
	if start.IsZero() || e.EndedAt.Before(start) {
		return "-"
	}
	return formatDuration(e.EndedAt.Sub(start))
}

// parseSince accepts a duration looking back from now or an RFC3339 time.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("invalid --since %q: duration must be positive", raw)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: expected a duration like 24h or an RFC3339 time", raw)
	}
	return t, nil
}
