package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/stepgate/stepgate/internal/daemon"
	"github.com/stepgate/stepgate/internal/domain"
)

func init() {
	rootCmd.AddCommand(tierCmd)
	rootCmd.AddCommand(earnCmd)
	earnCmd.AddCommand(earnStartCmd)
	earnCmd.AddCommand(earnStopCmd)
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.AddCommand(targetsSetCmd)

	targetsSetCmd.Flags().StringSlice("app", nil, "Application token (repeatable)")
	targetsSetCmd.Flags().StringSlice("category", nil, "Category token (repeatable)")
	targetsSetCmd.Flags().StringSlice("domain", nil, "Web domain (repeatable)")
}

// ─── tier ───────────────────────────────────────────────────────────────────

var tierCmd = &cobra.Command{
	Use:   "tier easy|medium|hard",
	Short: "Set the difficulty tier",
	Long: `Set how many minutes 1000 steps earn. Changing tier rebases the credit
cursor so steps already taken today are not re-credited at the new rate.
Not allowed while a session is active.`,
	Args: cobra.ExactArgs(1),
	RunE: runTier,
}

func runTier(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		tier, err := d.Control.SetTier(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"tier": tier, "minutes_per_1000_steps": tier.MinutesPer1000Steps()})
		}
		printf("✅ Tier set to %s (%d min per 1000 steps)\n", tier, tier.MinutesPer1000Steps())
		return nil
	})
}

// ─── earn ───────────────────────────────────────────────────────────────────

var earnCmd = &cobra.Command{
	Use:   "earn",
	Short: "Turn earning mode on or off",
}

var earnStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start crediting steps and block the targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			changed, err := d.Control.StartEarning(ctx)
			if err != nil {
				return err
			}
			return reportMode(changed, domain.ModeEarning)
		})
	},
}

var earnStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop crediting steps, ending any session with a refund",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			changed, err := d.Control.StopEarning(ctx)
			if err != nil {
				return err
			}
			return reportMode(changed, domain.ModeIdle)
		})
	},
}

func reportMode(changed bool, mode domain.Mode) error {
	if jsonOutput {
		return printJSON(map[string]any{"mode": mode, "changed": changed})
	}
	if !changed {
		printf("Mode already %s\n", mode)
		return nil
	}
	printf("✅ Mode set to %s\n", mode)
	return nil
}

// ─── targets ────────────────────────────────────────────────────────────────

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage the blocked apps, categories and domains",
}

var targetsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the target selection",
	RunE:  runTargetsSet,
}

func runTargetsSet(cmd *cobra.Command, args []string) error {
	apps, _ := cmd.Flags().GetStringSlice("app")
	cats, _ := cmd.Flags().GetStringSlice("category")
	domains, _ := cmd.Flags().GetStringSlice("domain")
	sel := domain.TargetSelection{Applications: apps, Categories: cats, WebDomains: domains}

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		n, err := d.Control.EditTargets(ctx, sel)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]int{"count": n})
		}
		printf("✅ %d targets selected\n", n)
		return nil
	})
}
