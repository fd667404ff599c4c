// Sandboxgate fronts per-user code sandboxes with a sliding-window request gate.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sandboxgate",
	Short: "Sandboxgate: rate-limited terminal access to per-user sandboxes.",
	Long: `Sandboxgate admits model requests through a per-user sliding-window limit,
keeps one paused-or-running sandbox per user and template, and streams
terminal command output back to the caller.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to configuration file")
	rootCmd.AddCommand(serveCmd, limitsCmd, planCmd, gcCmd, migrateCmd, tokenCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
