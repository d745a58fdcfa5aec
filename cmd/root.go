package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the prenvd application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "prenvd",
	Short: "Manage ephemeral preview environments on a shared cluster",
	Long: `prenvd provisions and reclaims ephemeral per-pull-request environments:
an isolated namespace, a declared set of services, routing rules, a DNS
name and a backing-cache key prefix for every open pull request.

Deploys, restarts and cleanups are submitted as intents over the HTTP API
and reconciled one at a time per environment; a background sweeper
reclaims environments whose pull request closed or went idle.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This is called from the main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
// It is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "prenvd version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
