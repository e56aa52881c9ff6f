// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leafwise/leafmeter/domain/feature"
	"github.com/leafwise/leafmeter/domain/tier"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Payments PaymentsConfig `yaml:"payments"`
	Store    StoreConfig    `yaml:"store"`
	Tiers    []TierConfig   `yaml:"tiers"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// AuthConfig configures token issuance and tier resolution.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// TrustClientTier honors the tier declared by unauthenticated
	// callers. Meant for development; leave off in production.
	TrustClientTier bool `yaml:"trust_client_tier"`
}

// PaymentsConfig configures the payment provider.
type PaymentsConfig struct {
	Mode       string        `yaml:"mode"` // "none" or "stripe"
	StripeKey  string        `yaml:"stripe_key,omitempty"`
	SuccessURL string        `yaml:"success_url"`
	CancelURL  string        `yaml:"cancel_url"`
	Prices     []PriceConfig `yaml:"prices"`
}

// PriceConfig maps a payment price to the tier it purchases.
type PriceConfig struct {
	ID   string `yaml:"id"`
	Tier string `yaml:"tier"`
}

// StoreConfig configures usage state retention.
type StoreConfig struct {
	// TTL is how long idle fingerprints are kept before eviction.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often the eviction pass runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TierConfig overrides the built-in limits for one tier.
// Zero fields keep the built-in value; the set of tiers is fixed.
type TierConfig struct {
	ID                 string        `yaml:"id"`
	DailyCount         int           `yaml:"daily_count"`
	MonthlyCount       int           `yaml:"monthly_count"`
	DailyCostCeiling   float64       `yaml:"daily_cost_ceiling"`
	MonthlyCostCeiling float64       `yaml:"monthly_cost_ceiling"`
	RequestsPerMinute  int           `yaml:"requests_per_minute"`
	Cooldown           time.Duration `yaml:"cooldown"`
	IdentifyLimit      int           `yaml:"identify_limit"`
	DiagnoseLimit      int           `yaml:"diagnose_limit"`
	ChatLimit          int           `yaml:"chat_limit"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	LEAFMETER_SERVER_HOST        - Server host (default: 0.0.0.0)
//	LEAFMETER_SERVER_PORT        - Server port (default: 8080)
//	LEAFMETER_DATABASE_DRIVER    - "sqlite" or "memory" (default: sqlite)
//	LEAFMETER_DATABASE_DSN       - Database path (default: leafmeter.db)
//	LEAFMETER_AUTH_JWT_SECRET    - Secret for JWT signing
//	LEAFMETER_AUTH_TRUST_TIER    - Trust client-declared tiers (default: false)
//	LEAFMETER_PAYMENTS_MODE      - "none" or "stripe" (default: none)
//	LEAFMETER_STRIPE_KEY         - Stripe secret key
//	LEAFMETER_LOG_LEVEL          - Log level (default: info)
//	LEAFMETER_LOG_FORMAT         - "json" or "console" (default: json)
//	LEAFMETER_METRICS_ENABLED    - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies LEAFMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("LEAFMETER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LEAFMETER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LEAFMETER_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("LEAFMETER_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Database configuration
	if v := os.Getenv("LEAFMETER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LEAFMETER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Auth configuration
	if v := os.Getenv("LEAFMETER_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LEAFMETER_AUTH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.TokenTTL = d
		}
	}
	if v := os.Getenv("LEAFMETER_AUTH_TRUST_TIER"); v != "" {
		cfg.Auth.TrustClientTier = parseBool(v)
	}

	// Payments configuration
	if v := os.Getenv("LEAFMETER_PAYMENTS_MODE"); v != "" {
		cfg.Payments.Mode = v
	}
	if v := os.Getenv("LEAFMETER_STRIPE_KEY"); v != "" {
		cfg.Payments.StripeKey = v
	}

	// Store configuration
	if v := os.Getenv("LEAFMETER_STORE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.TTL = d
		}
	}
	if v := os.Getenv("LEAFMETER_STORE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.SweepInterval = d
		}
	}

	// Logging configuration
	if v := os.Getenv("LEAFMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LEAFMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("LEAFMETER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("LEAFMETER_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "leafmeter.db"
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 30 * 24 * time.Hour
	}

	if cfg.Payments.Mode == "" {
		cfg.Payments.Mode = "none"
	}

	if cfg.Store.TTL == 0 {
		// Long enough to outlive the monthly spend window.
		cfg.Store.TTL = 35 * 24 * time.Hour
	}
	if cfg.Store.SweepInterval == 0 {
		cfg.Store.SweepInterval = time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	validPaymentModes := map[string]bool{"none": true, "stripe": true}
	if !validPaymentModes[cfg.Payments.Mode] {
		return fmt.Errorf("payments.mode must be 'none' or 'stripe', got %q", cfg.Payments.Mode)
	}
	if cfg.Payments.Mode == "stripe" && cfg.Payments.StripeKey == "" {
		return fmt.Errorf("payments.stripe_key is required when payments.mode is 'stripe'")
	}

	validTiers := map[string]bool{"free": true, "premium": true, "enterprise": true}
	for i, tc := range cfg.Tiers {
		if tc.ID == "" {
			return fmt.Errorf("tiers[%d].id is required", i)
		}
		if !validTiers[tc.ID] {
			return fmt.Errorf("tiers[%d].id must be one of: free, premium, enterprise", i)
		}
	}

	for i, p := range cfg.Payments.Prices {
		if p.ID == "" {
			return fmt.Errorf("payments.prices[%d].id is required", i)
		}
		if p.Tier != "premium" && p.Tier != "enterprise" {
			return fmt.Errorf("payments.prices[%d].tier must be 'premium' or 'enterprise'", i)
		}
	}

	return nil
}

// TierLimits merges the configured tier overrides over the built-in
// limits and returns the full per-tier table.
func (c *Config) TierLimits() map[tier.Tier]tier.Limits {
	limits := tier.Defaults()

	for _, tc := range c.Tiers {
		t := tier.Parse(tc.ID)
		lim := limits[t]

		if tc.DailyCount > 0 {
			lim.DailyCount = tc.DailyCount
		}
		if tc.MonthlyCount > 0 {
			lim.MonthlyCount = tc.MonthlyCount
		}
		if tc.DailyCostCeiling > 0 {
			lim.DailyCostCeiling = tc.DailyCostCeiling
		}
		if tc.MonthlyCostCeiling > 0 {
			lim.MonthlyCostCeiling = tc.MonthlyCostCeiling
		}
		if tc.RequestsPerMinute > 0 {
			lim.RequestsPerMinute = tc.RequestsPerMinute
		}
		if tc.Cooldown > 0 {
			lim.Cooldown = tc.Cooldown
		}

		fl := make(map[feature.Feature]int, len(lim.FeatureLimits))
		for k, v := range lim.FeatureLimits {
			fl[k] = v
		}
		if tc.IdentifyLimit > 0 {
			fl[feature.Identify] = tc.IdentifyLimit
		}
		if tc.DiagnoseLimit > 0 {
			fl[feature.Diagnose] = tc.DiagnoseLimit
		}
		if tc.ChatLimit > 0 {
			fl[feature.Chat] = tc.ChatLimit
		}
		lim.FeatureLimits = fl

		limits[t] = lim
	}

	return limits
}

// PriceTiers returns the configured priceID to tier mapping.
func (c *Config) PriceTiers() map[string]tier.Tier {
	m := make(map[string]tier.Tier, len(c.Payments.Prices))
	for _, p := range c.Payments.Prices {
		m[p.ID] = tier.Parse(p.Tier)
	}
	return m
}
