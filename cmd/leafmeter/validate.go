package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leafwise/leafmeter/adapters/sqlite"
	"github.com/leafwise/leafmeter/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the leafmeter configuration file.

Checks:
  - YAML syntax is valid
  - Drivers, payment modes, and tier overrides are recognized
  - Database is writable (optional)

Examples:
  leafmeter validate
  leafmeter validate --config /etc/leafmeter/config.yaml`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	// Load and validate config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	// Show config summary
	fmt.Printf("  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Printf("  %s Payments mode: %s\n", checkMark, cfg.Payments.Mode)
	fmt.Printf("  %s Tier overrides: %d\n", checkMark, len(cfg.Tiers))
	fmt.Printf("  %s Prices configured: %d\n", checkMark, len(cfg.Payments.Prices))
	if cfg.Auth.TrustClientTier {
		fmt.Printf("  %s trust_client_tier is on; client-declared tiers are honored\n", crossMark)
	}

	// Optional: check database
	if validateCheckDatabase && cfg.Database.Driver == "sqlite" {
		if err := checkDatabaseWritable(cfg.Database.DSN); err != nil {
			fmt.Printf("  %s Database writable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database writable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Ping()
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
