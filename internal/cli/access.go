package cli

import (
	"fmt"
	"strings"

	"github.com/harun/p42r/pkg/pairing"
	"github.com/harun/p42r/pkg/platform"
	"github.com/spf13/cobra"
)

var allowReason string

var allowCmd = &cobra.Command{
	Use:   "allow <platform:id>",
	Short: "Authorize an identity without a pairing code",
	Long: `Authorize an identity directly, for example "p42r allow telegram:123456".
A running daemon applies the change immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runAllow,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <platform:id>",
	Short: "Withdraw an identity's authorization",
	Long: `Withdraw an identity's authorization. A running daemon cancels the
identity's running commands and rejects its new ones.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevoke,
}

var allowlistCmd = &cobra.Command{
	Use:   "allowlist",
	Short: "List authorized and revoked identities",
	Args:  cobra.NoArgs,
	RunE:  runAllowlist,
}

func init() {
	allowCmd.Flags().StringVar(&allowReason, "reason", "allowed via CLI", "note stored with the entry")
	rootCmd.AddCommand(allowCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(allowlistCmd)
}

func runAllow(cmd *cobra.Command, args []string) error {
	id, err := platform.ParseIdentity(args[0])
	if err != nil {
		return err
	}
	store, err := loadPairingStore(cmd)
	if err != nil {
		return err
	}

	if store.IsAllowed(id) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is already authorized.\n", id)
		return nil
	}
	if err := store.Allow(id, strings.TrimSpace(allowReason)); err != nil {
		return fmt.Errorf("failed to authorize %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Authorized %s.\n", id)
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	id, err := platform.ParseIdentity(args[0])
	if err != nil {
		return err
	}
	store, err := loadPairingStore(cmd)
	if err != nil {
		return err
	}

	if !store.IsAllowed(id) {
		return fmt.Errorf("%s: %w", id, pairing.ErrNotAllowlisted)
	}
	if err := store.Revoke(id); err != nil {
		return fmt.Errorf("failed to revoke %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s.\n", id)
	return nil
}

func runAllowlist(cmd *cobra.Command, args []string) error {
	store, err := loadPairingStore(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	allowed := store.ListAllowlist()
	if len(allowed) == 0 {
		fmt.Fprintln(out, "No authorized identities.")
	} else {
		fmt.Fprintln(out, "Authorized:")
		for _, e := range allowed {
			line := fmt.Sprintf("- %s (since %s)", e.Identity, e.AddedAt.Format("2006-01-02 15:04"))
			if e.Reason != "" {
				line += " " + e.Reason
			}
			fmt.Fprintln(out, line)
		}
	}

	if revoked := store.ListRevoked(); len(revoked) > 0 {
		fmt.Fprintln(out, "Revoked:")
		for _, e := range revoked {
			fmt.Fprintf(out, "- %s (at %s)\n", e.Identity, e.RevokedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}
