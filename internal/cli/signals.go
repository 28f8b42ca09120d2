package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stepgate/stepgate/internal/daemon"
)

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportStepsCmd)
	reportCmd.AddCommand(reportUsageCmd)
	rootCmd.AddCommand(watchdogCmd)
	watchdogCmd.AddCommand(watchdogFireCmd)
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsDueCmd)
}

// ─── report ─────────────────────────────────────────────────────────────────
// Stand-ins for the platform pedometer and usage monitor.

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report platform signals",
}

var reportStepsCmd = &cobra.Command{
	Use:   "steps COUNT",
	Short: "Report today's cumulative step count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseCount(args[0])
		if err != nil {
			return err
		}
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			steps, err := d.Ingest.ReportSteps(ctx, n)
			if err != nil {
				return err
			}
			printf("👟 Steps today: %d\n", steps)
			return nil
		})
	},
}

var reportUsageCmd = &cobra.Command{
	Use:   "usage MINUTES",
	Short: "Report today's usage of the target apps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseCount(args[0])
		if err != nil {
			return err
		}
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			rep, err := d.Monitor.ReportUsage(ctx, n)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rep)
			}
			printf("⏱  Used today: %d min\n", rep.UsedMinutes)
			if len(rep.Fired) > 0 {
				printf("   Fired: %s\n", strings.Join(rep.Fired, ", "))
			}
			return nil
		})
	},
}

func parseCount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("expected a non-negative whole number, got %q", s)
	}
	return n, nil
}

// ─── watchdog ───────────────────────────────────────────────────────────────

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Drive the usage watchdog",
}

var watchdogFireCmd = &cobra.Command{
	Use:   "fire time_limit|usage_started",
	Short: "Deliver a watchdog event as the platform would",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			if err := d.Fire(ctx, args[0]); err != nil {
				return err
			}
			printf("✅ Delivered %s\n", args[0])
			return nil
		})
	},
}

// ─── notifications ──────────────────────────────────────────────────────────

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Inspect the local notification queue",
}

var notificationsDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List notifications that are due and undelivered",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			due, err := d.DB.Due(ctx, time.Now())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(due)
			}
			if len(due) == 0 {
				printf("Nothing due.\n")
				return nil
			}
			for _, n := range due {
				printf("[%d] %s  %s\n     %s\n", n.ID, n.DueAt.Local().Format(time.Kitchen), n.Title, n.Body)
			}
			return nil
		})
	},
}
