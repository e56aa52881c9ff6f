package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "leafmeter",
	Short: "Usage metering and tiered quota service for the Leafwise app",
	Long: `Leafmeter is the usage service behind the Leafwise mobile app.

It decides whether a plant identification, diagnosis, or chat request
may run right now, enforces per-tier daily and monthly quotas, and
tracks what each device or account has consumed.

Quick start:
  leafmeter serve     # Start the usage service
  leafmeter validate  # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "leafmeter.yaml", "config file path")
}
