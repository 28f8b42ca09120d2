package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stepgate/stepgate/internal/daemon"
	"github.com/stepgate/stepgate/internal/domain"
)

func init() {
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(resetCmd)

	ledgerCmd.Flags().IntP("limit", "n", 20, "Number of entries to show")
	resetCmd.Flags().Bool("yes", false, "Skip the confirmation")
}

// ─── unlock ─────────────────────────────────────────────────────────────────

var unlockCmd = &cobra.Command{
	Use:   "unlock MINUTES",
	Short: "Spend wallet minutes on an unlock session",
	Long: `Debit MINUTES from the wallet and unblock the target apps until the
session ends or the usage watchdog fires. Outside earning mode the
minutes are spent but the apps stay blocked until earning starts.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

func runUnlock(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("minutes must be a whole number: %q", args[0])
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Control.PurchaseUnlock(ctx, minutes)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		printf("🔓 Unlocked for %d min (until %s)\n", res.Session.DurationMinutes, res.Session.EndTime.Local().Format(time.Kitchen))
		printf("   Wallet: %d min\n", res.Balance)
		if res.Replaced != "" {
			printf("   Replaced session %s\n", res.Replaced)
		}
		if res.Pending {
			printf("   ⚠️  Apps stay blocked until the watchdog can be armed\n")
		}
		return nil
	})
}

// ─── end ────────────────────────────────────────────────────────────────────

var endCmd = &cobra.Command{
	Use:   "end",
	Short: "End the current session early and refund unused minutes",
	RunE:  runEnd,
}

func runEnd(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Control.EndSessionEarly(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		printf("🔒 Session %s ended\n", res.SessionID)
		printf("   Refunded: %d min\n", res.RefundedMinutes)
		printf("   Wallet:   %d min\n", res.Balance)
		return nil
	})
}

// ─── ledger ─────────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show recent wallet transactions",
	RunE:  runLedger,
}

func runLedger(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		entries, err := d.Control.Journal(ctx, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			printf("No transactions yet.\n")
			return nil
		}
		for _, e := range entries {
			printf("%s  %-7s %+5d  → %4d  %s\n",
				e.Timestamp.Local().Format("Jan 02 15:04"),
				e.Type, e.Delta(), e.Balance, describe(e))
		}
		return nil
	})
}

func describe(e domain.LedgerEntry) string {
	if e.Description != "" {
		return e.Description
	}
	return e.SessionID
}

// ─── reset ──────────────────────────────────────────────────────────────────

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Zero the wallet, end any session and re-block",
	RunE:  runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return fmt.Errorf("reset discards the wallet balance; re-run with --yes")
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		if err := d.Control.Reset(ctx); err != nil {
			return err
		}
		printf("✅ Wallet reset, apps blocked\n")
		return nil
	})
}
