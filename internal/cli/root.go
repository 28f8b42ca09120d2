// Package cli implements the stepgate command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stepgate/stepgate/internal/daemon"
)

var (
	configPath string
	jsonOutput bool
	cfg        daemon.Config
)

var rootCmd = &cobra.Command{
	Use:   "stepgate",
	Short: "Earn screen time by walking",
	Long: `StepGate converts daily steps into a wallet of screen-time minutes.
Spending minutes opens an unlock session for the blocked apps; the
reconciliation loop and the usage watchdog re-block them when it ends.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := daemon.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		daemon.SetupLogging(cfg.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", daemon.ConfigPath(), "Path to config.toml")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("stepgate failed")
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// openDaemon wires the components against the configured store without
// starting the loop or the API. Events are not published from one-shot
// commands since nothing would drain the queue.
func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	c := cfg
	c.Events.Enabled = false
	return daemon.New(ctx, c)
}

// withDaemon opens a daemon, runs fn and closes it.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
