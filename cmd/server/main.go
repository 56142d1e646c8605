package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/session-billing/internal/billing"
	"github.com/crosslogic/session-billing/internal/config"
	"github.com/crosslogic/session-billing/internal/escrow"
	"github.com/crosslogic/session-billing/internal/gateway"
	"github.com/crosslogic/session-billing/internal/liveness"
	"github.com/crosslogic/session-billing/internal/monitor"
	"github.com/crosslogic/session-billing/internal/notifications"
	"github.com/crosslogic/session-billing/internal/session"
	"github.com/crosslogic/session-billing/pkg/cache"
	"github.com/crosslogic/session-billing/pkg/clock"
	"github.com/crosslogic/session-billing/pkg/database"
	"github.com/crosslogic/session-billing/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting session billing service",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("lock_backend", cfg.Storage.LockBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		db         *database.Database
		ledgerRepo escrow.Store
		usageRepo  session.Repository
	)
	switch cfg.Storage.Driver {
	case "postgres":
		db, err = database.NewDatabase(cfg.Database)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		logger.Info("connected to database")

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				logger.Fatal("failed to migrate database", zap.Error(err))
			}
			logger.Info("database schema up to date")
		}
		ledgerRepo = escrow.NewPostgresStore(db.Pool)
		usageRepo = session.NewPostgresRepository(db.Pool)
	default:
		logger.Warn("using in-memory storage; balances and sessions are lost on restart")
		ledgerRepo = escrow.NewMemoryStore()
		usageRepo = session.NewMemoryRepository()
	}

	// Redis is required for distributed locks and optional for dedupe and
	// rate limiting.
	var redisCache *cache.Cache
	if cfg.Storage.LockBackend == "redis" || cfg.Redis.Enabled {
		redisCache, err = cache.NewCache(cfg.Redis)
		switch {
		case err == nil:
			defer redisCache.Close()
			logger.Info("connected to Redis")
		case cfg.Storage.LockBackend == "redis":
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		default:
			logger.Warn("Redis unavailable, continuing with process-local dedupe", zap.Error(err))
			redisCache = nil
		}
	}

	var locker session.Locker = session.NewKeyedMutex()
	if cfg.Storage.LockBackend == "redis" {
		locker = cache.NewLocker(redisCache, cfg.Storage.LockTTL, cfg.Storage.LockPollWait, logger)
	}

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Initialize notification service
	notificationConfig, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}
	notificationService := notifications.NewService(notificationConfig, db, redisCache, logger, eventBus)
	notificationService.Start(ctx)

	// Billing core
	ledger := escrow.NewLedger(ledgerRepo, clock.Real{}, logger, cfg.Billing.PlatformAccountID)

	b := cfg.Billing
	liveCfg := liveness.Config{
		DisconnectThreshold: time.Duration(b.DisconnectThresholdSeconds) * time.Second,
		GracePeriod:         time.Duration(b.GracePeriodSeconds) * time.Second,
		LogCap:              b.HeartbeatLogCap,
	}
	machine := session.NewMachine(session.Config{
		DefaultRatePerMinute: b.RatePerMinute,
		DefaultMaxMinutes:    b.MaxDurationMinutes,
		PlatformFeeBps:       b.PlatformFeeBps(),
		CancelGraceSeconds:   b.CancelGraceSeconds,
		Liveness:             liveCfg,
	}, usageRepo, ledger, locker, eventBus, clock.Real{}, logger)
	logger.Info("initialized session machine",
		zap.Int64("rate_per_minute", b.RatePerMinute),
		zap.Int64("max_minutes", b.MaxDurationMinutes),
		zap.Int64("platform_fee_bps", b.PlatformFeeBps()),
	)

	var webhookHandler *billing.WebhookHandler
	if cfg.Stripe.WebhookSecret != "" {
		webhookHandler = billing.NewWebhookHandler(cfg.Stripe.WebhookSecret, ledger, redisCache, logger, eventBus).
			WithCurrency(cfg.Stripe.Currency)
		logger.Info("initialized Stripe webhook handler", zap.String("currency", cfg.Stripe.Currency))
	}

	reaper := monitor.NewReaper(machine, clock.Real{}, liveCfg.DisconnectThreshold, b.ReaperInterval, logger)
	go reaper.Run(ctx)

	// Initialize API gateway
	gw := gateway.NewGateway(machine, ledger, webhookHandler, db, redisCache, gateway.Options{
		JWTSecret:          cfg.Security.JWTSecret,
		AdminToken:         cfg.Security.AdminAPIToken,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MetricsPath:        cfg.Monitoring.MetricsPath,
		LiveIdleTimeout:    4 * time.Duration(b.HeartbeatIntervalSeconds) * time.Second,
		RateLimitPerMinute: cfg.Security.RateLimitPerMinute,
	}, logger)
	gw.StartHealthMetrics(ctx)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop the reaper before draining so no new events are produced.
	cancel()

	if err := eventBus.Drain(shutdownCtx); err != nil {
		logger.Warn("event bus did not drain before timeout", zap.Error(err))
	}
	notificationService.Stop()

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = lvl
	return zapCfg.Build()
}
