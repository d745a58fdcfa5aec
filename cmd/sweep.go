package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agustingarciaflores/pr-environments/internal/app"
)

var sweepDebug bool
var sweepConfigPath string

// sweepCmd runs a single reclamation pass and exits. Useful from cron or
// CI when the daemon's background sweeper is not running.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one staleness sweep and exit",
	Long: `Scans the environment registry once, submits cleanup intents for every
environment whose pull request closed or that exceeded the inactivity
threshold, waits for the cleanups to finish and exits.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.NewConfig(sweepDebug, false, sweepConfigPath)
	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	reclaimed, err := application.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d environments\n", reclaimed)
	return nil
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepDebug, "debug", false, "Enable debug logging")
	sweepCmd.Flags().StringVar(&sweepConfigPath, "config-path", "", "Custom configuration directory path")
}
