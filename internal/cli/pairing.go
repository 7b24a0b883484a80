package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/p42r/internal/config"
	"github.com/harun/p42r/pkg/pairing"
	"github.com/spf13/cobra"
)

var pairingCmd = &cobra.Command{
	Use:   "pairing",
	Short: "Review pairing codes requested from chat",
	Long: `A chat user who is not authorized can send "pair" to the bot. The bot answers
with a one-time code, which shows up here until it is approved, rejected or expires.`,
}

func init() {
	pairingCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show pending pairing codes",
			Args:  cobra.NoArgs,
			RunE:  runPairingList,
		},
		pairingDecision("approve", "Approved", "Authorize the identity that requested a code",
			(*pairing.Store).Approve),
		pairingDecision("reject", "Rejected", "Discard a pairing code without authorizing",
			(*pairing.Store).Reject),
	)
	rootCmd.AddCommand(pairingCmd)
}

func runPairingList(cmd *cobra.Command, _ []string) error {
	store, err := loadPairingStore(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pending := store.ListPending()
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending pairing requests.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tIDENTITY\tREQUESTED\tEXPIRES IN")
	now := time.Now()
	for _, req := range pending {
		left := req.ExpiresAt.Sub(now).Round(time.Second)
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			req.Code, req.Identity, req.RequestedAt.Local().Format(time.DateTime), left)
	}
	return tw.Flush()
}

// pairingDecision builds the approve and reject subcommands, which differ
// only in the store call and the wording.
func pairingDecision(use, past, short string, decide func(*pairing.Store, string) (pairing.PendingRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <code>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadPairingStore(cmd)
			if err != nil {
				return err
			}
			req, err := decide(store, args[0])
			if err != nil {
				return fmt.Errorf("%s %s: %w", use, args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pairing for %s.\n", past, req.Identity)
			return nil
		},
	}
}

func loadPairingStore(cmd *cobra.Command) (*pairing.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

// openStore opens the store the daemon uses. A running daemon picks up
// changes through its file watcher.
func openStore(cfg *config.Config) (*pairing.Store, error) {
	store, err := pairing.NewStore(pairing.Options{
		Dir:                cfg.Pairing.Dir,
		MaxPending:         cfg.Pairing.MaxPending,
		PendingTTL:         cfg.Pairing.PendingTTL,
		BootstrapAllowlist: cfg.Pairing.BootstrapAllowlist,
	})
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	return store, nil
}
