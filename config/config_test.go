package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leafwise/leafmeter/config"
	"github.com/leafwise/leafmeter/domain/feature"
	"github.com/leafwise/leafmeter/domain/tier"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leafmeter.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "leafmeter.db" {
		t.Errorf("dsn = %q, want leafmeter.db", cfg.Database.DSN)
	}
	if cfg.Payments.Mode != "none" {
		t.Errorf("payments mode = %q, want none", cfg.Payments.Mode)
	}
	if cfg.Auth.TokenTTL != 30*24*time.Hour {
		t.Errorf("token ttl = %v, want 720h", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.TrustClientTier {
		t.Error("trust_client_tier should default to false")
	}
	if cfg.Store.TTL != 35*24*time.Hour {
		t.Errorf("store ttl = %v, want 840h", cfg.Store.TTL)
	}
	if cfg.Store.SweepInterval != time.Hour {
		t.Errorf("sweep interval = %v, want 1h", cfg.Store.SweepInterval)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8181
  read_timeout: 10s
database:
  driver: memory
auth:
  jwt_secret: super-secret
  token_ttl: 24h
  trust_client_tier: true
payments:
  mode: stripe
  stripe_key: sk_test_123
  success_url: https://app.example/ok
  cancel_url: https://app.example/no
  prices:
    - id: price_premium
      tier: premium
store:
  ttl: 48h
  sweep_interval: 10m
tiers:
  - id: free
    daily_count: 5
    identify_limit: 2
logging:
  level: debug
  format: console
metrics:
  enabled: true
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read timeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	if !cfg.Auth.TrustClientTier {
		t.Error("trust_client_tier should be true")
	}
	if cfg.Payments.StripeKey != "sk_test_123" {
		t.Errorf("stripe key = %q", cfg.Payments.StripeKey)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled")
	}

	prices := cfg.PriceTiers()
	if prices["price_premium"] != tier.Premium {
		t.Errorf("price tier = %s, want premium", prices["price_premium"])
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad driver", "database:\n  driver: postgres\n"},
		{"bad payments mode", "payments:\n  mode: paypal\n"},
		{"stripe without key", "payments:\n  mode: stripe\n"},
		{"unknown tier", "tiers:\n  - id: platinum\n"},
		{"price without id", "payments:\n  prices:\n    - tier: premium\n"},
		{"price for free tier", "payments:\n  prices:\n    - id: p1\n      tier: free\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := config.Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	t.Setenv("LEAFMETER_SERVER_PORT", "7070")
	t.Setenv("LEAFMETER_LOG_LEVEL", "warn")
	t.Setenv("LEAFMETER_AUTH_TRUST_TIER", "true")
	t.Setenv("LEAFMETER_STORE_TTL", "72h")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q, want warn", cfg.Logging.Level)
	}
	if !cfg.Auth.TrustClientTier {
		t.Error("trust tier env override not applied")
	}
	if cfg.Store.TTL != 72*time.Hour {
		t.Errorf("ttl = %v, want 72h", cfg.Store.TTL)
	}
}

func TestTierLimitsMergesOverBuiltins(t *testing.T) {
	path := writeConfig(t, `
tiers:
  - id: free
    daily_count: 3
    identify_limit: 1
  - id: premium
    cooldown: 5s
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	limits := cfg.TierLimits()

	free := limits[tier.Free]
	if free.DailyCount != 3 {
		t.Errorf("free daily = %d, want 3", free.DailyCount)
	}
	if free.FeatureLimit(feature.Identify) != 1 {
		t.Errorf("free identify = %d, want 1", free.FeatureLimit(feature.Identify))
	}
	// Untouched fields keep the built-in values.
	if free.FeatureLimit(feature.Chat) != 10 {
		t.Errorf("free chat = %d, want builtin 10", free.FeatureLimit(feature.Chat))
	}
	if free.MonthlyCostCeiling != 5.00 {
		t.Errorf("free monthly ceiling = %v, want builtin 5.00", free.MonthlyCostCeiling)
	}

	premium := limits[tier.Premium]
	if premium.Cooldown != 5*time.Second {
		t.Errorf("premium cooldown = %v, want 5s", premium.Cooldown)
	}
	if premium.DailyCount != 50 {
		t.Errorf("premium daily = %d, want builtin 50", premium.DailyCount)
	}

	// Enterprise has no override and keeps its builtins.
	if limits[tier.Enterprise].RequestsPerMinute != 60 {
		t.Errorf("enterprise rpm = %d, want builtin 60", limits[tier.Enterprise].RequestsPerMinute)
	}
}

func TestLoadWithFallbackMissingFile(t *testing.T) {
	cfg, err := config.LoadWithFallback(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
}
