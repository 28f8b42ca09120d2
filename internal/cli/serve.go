package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stepgate/stepgate/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "Override api.port")
	serveCmd.Flags().Bool("events", false, "Publish domain events to Kafka")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation loop and the local API",
	Long: `Run StepGate in the foreground. The reconciliation loop credits steps,
expires sessions and keeps the shield in the desired state; the HTTP API
serves the control surface and the watchdog endpoints.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c := cfg
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		c.API.Port = port
	}
	if on, _ := cmd.Flags().GetBool("events"); on {
		c.Events.Enabled = true
	}
	if err := c.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, c)
	if err != nil {
		return err
	}
	defer d.Close()

	log.Info().
		Str("backend", c.Storage.Backend).
		Bool("events", c.Events.Enabled).
		Msg("Starting StepGate")
	return d.Run(ctx)
}
