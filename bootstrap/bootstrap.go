// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/leafwise/leafmeter/adapters/auth"
	"github.com/leafwise/leafmeter/adapters/clock"
	"github.com/leafwise/leafmeter/adapters/hasher"
	httpadapter "github.com/leafwise/leafmeter/adapters/http"
	"github.com/leafwise/leafmeter/adapters/idgen"
	"github.com/leafwise/leafmeter/adapters/memory"
	"github.com/leafwise/leafmeter/adapters/metrics"
	"github.com/leafwise/leafmeter/adapters/payment"
	"github.com/leafwise/leafmeter/adapters/sqlite"
	"github.com/leafwise/leafmeter/app"
	"github.com/leafwise/leafmeter/config"
	"github.com/leafwise/leafmeter/ports"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// namedSweeper pairs a store's Sweeper with its metric label.
type namedSweeper struct {
	name    string
	sweeper ports.Sweeper
}

// App holds all application components.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *sqlite.DB // nil with the memory driver
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Holder     *config.Holder // nil without hot reload

	Meter    *app.MeterService
	Auth     *app.AuthService
	Checkout *app.CheckoutService

	sweepers     []namedSweeper
	stopSweep    chan struct{}
	sweepDone    chan struct{}
	sweepStop    sync.Once
	sweepStarted atomic.Bool
}

// New creates the application from a loaded configuration.
func New(cfg *config.Config) (*App, error) {
	// A per-app registry keeps New re-entrant; the default registry
	// would reject duplicate collectors on a second call.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:    cfg,
		Logger:    setupLogger(cfg.Logging),
		Metrics:   metrics.NewWithRegistry(registry),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	var (
		usage ports.UsageStore
		rates ports.RateLimitStore
		users ports.UserStore
	)

	switch cfg.Database.Driver {
	case "memory":
		us := memory.NewUsageStore()
		rs := memory.NewRateLimitStore()
		usage, rates, users = us, rs, memory.NewUserStore()
		a.sweepers = []namedSweeper{{"usage", us}, {"rate", rs}}
		a.Logger.Warn().Msg("memory driver selected, usage state will not survive restarts")
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.DB = db
		us := sqlite.NewUsageStore(db)
		rs := sqlite.NewRateLimitStore(db)
		usage, rates, users = us, rs, sqlite.NewUserStore(db)
		a.sweepers = []namedSweeper{{"usage", us}, {"rate", rs}}
		a.Logger.Info().Str("dsn", cfg.Database.DSN).Msg("database ready")
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = randomSecret()
		a.Logger.Warn().Msg("auth.jwt_secret not set, generated an ephemeral secret; tokens will not survive restarts")
	}
	tokens := auth.NewTokenService(secret, cfg.Auth.TokenTTL)

	clk := clock.Real{}

	a.Meter = app.NewMeterService(app.MeterDeps{
		Usage:   usage,
		Rates:   rates,
		Users:   users,
		Tokens:  tokens,
		Clock:   clk,
		Logger:  a.Logger,
		Metrics: a.Metrics,
	}, app.MeterConfig{
		Limits:          cfg.TierLimits(),
		TrustClientTier: cfg.Auth.TrustClientTier,
	})

	a.Auth = app.NewAuthService(app.AuthDeps{
		Users:  users,
		Hasher: hasher.NewBcrypt(0),
		Tokens: tokens,
		Clock:  clk,
		IDGen:  idgen.UUID{},
		Logger: a.Logger,
	})

	var provider ports.PaymentProvider
	switch cfg.Payments.Mode {
	case "stripe":
		provider = payment.NewStripeProvider(payment.StripeConfig{SecretKey: cfg.Payments.StripeKey})
		a.Logger.Info().Msg("stripe payments enabled")
	default:
		provider = payment.NewNoopProvider()
	}

	a.Checkout = app.NewCheckoutService(app.CheckoutDeps{
		Users:    users,
		Payments: provider,
		Clock:    clk,
		Logger:   a.Logger,
	}, app.CheckoutConfig{
		SuccessURL: cfg.Payments.SuccessURL,
		CancelURL:  cfg.Payments.CancelURL,
		Prices:     cfg.PriceTiers(),
	})

	handler := httpadapter.NewHandler(httpadapter.HandlerDeps{
		Meter:    a.Meter,
		Auth:     a.Auth,
		Checkout: a.Checkout,
		Tokens:   tokens,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	})

	router := httpadapter.NewRouter(handler, a.Logger, httpadapter.RouterConfig{
		Metrics:        a.Metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		MetricsPath:    cfg.Metrics.Path,
		EnableMetrics:  cfg.Metrics.Enabled,
		Timeout:        cfg.Server.WriteTimeout,
	})

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return a, nil
}

// NewWithHotReload creates the application with config hot reload.
// File changes and SIGHUP re-apply the reloadable fields; see
// config.ReloadableFields.
func NewWithHotReload(path string) (*App, error) {
	holder, err := config.NewHolder(path, setupLogger(config.LoggingConfig{Level: "info", Format: "json"}))
	if err != nil {
		return nil, err
	}

	a, err := New(holder.Get())
	if err != nil {
		holder.Stop()
		return nil, err
	}
	a.Holder = holder

	holder.OnChange(func(cfg *config.Config) {
		a.Meter.UpdateLimits(cfg.TierLimits())
		applyLogLevel(cfg.Logging.Level)
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	})
	holder.OnError(func(error) {
		a.Metrics.ConfigReloadErrors.Inc()
	})

	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable, SIGHUP reload still works")
	}
	holder.WatchSignals()

	return a, nil
}

// Run starts the server and blocks until shutdown.
func (a *App) Run() error {
	a.sweepStarted.Store(true)
	go a.sweepLoop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
// Safe to call without Run and safe to call twice.
func (a *App) Shutdown() error {
	a.sweepStop.Do(func() { close(a.stopSweep) })
	if a.sweepStarted.Load() {
		<-a.sweepDone
	}

	if a.Holder != nil {
		a.Holder.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("http server shutdown")
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// sweepLoop evicts idle fingerprint state on a timer so the stores do
// not grow without bound. The TTL outlives the monthly spend window, so
// an evicted fingerprint has nothing left worth keeping.
func (a *App) sweepLoop() {
	defer close(a.sweepDone)

	ticker := time.NewTicker(a.Config.Store.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweepOnce(context.Background())
		case <-a.stopSweep:
			return
		}
	}
}

func (a *App) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-a.Config.Store.TTL)
	start := time.Now()

	for _, ns := range a.sweepers {
		n, err := ns.sweeper.Sweep(ctx, cutoff)
		if err != nil {
			a.Logger.Error().Err(err).Str("store", ns.name).Msg("sweep failed")
			continue
		}
		if n > 0 {
			a.Logger.Info().Str("store", ns.name).Int64("evicted", n).Msg("swept idle records")
		}
		a.Metrics.SweepEvicted.WithLabelValues(ns.name).Add(float64(n))
	}

	a.Metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	applyLogLevel(cfg.Level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func applyLogLevel(levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(buf)
}
