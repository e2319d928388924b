// Package cli provides the command-line interface for OpenClaw.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/cli/commands"
	"github.com/openclaw/openclaw/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "OpenClaw - crontab-backed job scheduler for personal agents",
	Long: `OpenClaw schedules agent jobs through the host crontab.
The crontab is the only durable store: jobs live as tagged crontab
entries, cron(8) does the ticking, and the gateway exposes the
management API.`,
	Version: version.Version,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(commands.NewGatewayCommand())
	rootCmd.AddCommand(commands.NewCronCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.openclaw/openclaw.json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
