package commands

import (
	"github.com/spf13/cobra"
)

var (
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bank-sync",
	Short: "Open-banking balance synchronization service",
	Long: `A background service that keeps bank account balances in sync with an
open-banking data provider.

Features:
• Scheduled balance polling per linked bank connection (6h default)
• Automatic access/refresh token renewal with one-shot repair
• Provider rate limits honored exactly via dynamic rescheduling
• REST API and WebSocket stream for the latest balance snapshots
• NATS-based distribution of balance updates and alerts
• Redis snapshot cache and InfluxDB balance history`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
