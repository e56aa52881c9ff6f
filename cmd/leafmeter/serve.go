package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leafwise/leafmeter/bootstrap"
	"github.com/leafwise/leafmeter/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the usage service",
	Long: `Start the leafmeter usage service.

The server will:
  - Load configuration from leafmeter.yaml (or --config)
  - Or load configuration from LEAFMETER_* environment variables
  - Open the usage database and run migrations
  - Serve usage evaluation, signup, login, and checkout endpoints

Environment variables (for Docker deployments):
  LEAFMETER_DATABASE_DRIVER  - "sqlite" or "memory" (default: sqlite)
  LEAFMETER_DATABASE_DSN     - Database path (default: leafmeter.db)
  LEAFMETER_SERVER_PORT      - Server port (default: 8080)
  LEAFMETER_AUTH_JWT_SECRET  - Secret for JWT signing
  LEAFMETER_PAYMENTS_MODE    - "none" or "stripe"
  LEAFMETER_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  leafmeter serve
  leafmeter serve --config /etc/leafmeter/config.yaml
  leafmeter serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with a config file
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		// Load config (file with env overrides, or env-only)
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}

		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}

		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
