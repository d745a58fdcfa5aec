package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agustingarciaflores/pr-environments/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveSilent suppresses all log output.
var serveSilent bool

// serveConfigPath specifies a custom configuration directory path.
var serveConfigPath string

// serveCmd starts the long-lived daemon: HTTP API, intent dispatcher and
// staleness sweeper.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the environment manager daemon",
	Long: `Starts the environment manager: the HTTP API accepting deploy, restart
and cleanup intents, the dispatcher reconciling them one at a time per
environment, and the sweeper reclaiming stale environments.

Configuration:
  prenvd loads config.yaml from ~/.config/prenvd by default. The file
  selects the registry backend (memory or postgres), the Redis backing
  cache, the Kubernetes cluster settings and the per-environment service
  stack. Use --config-path to load from a different directory.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.NewConfig(serveDebug, serveSilent, serveConfigPath)
	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveSilent, "silent", false, "Suppress all log output")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory path")
}
