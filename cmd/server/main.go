package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashgrove/subsync/internal"
	"github.com/ashgrove/subsync/internal/billing"
	"github.com/ashgrove/subsync/internal/engine"
	"github.com/ashgrove/subsync/internal/entitlement"
	"github.com/ashgrove/subsync/internal/outbox"
	"github.com/ashgrove/subsync/internal/plan"
	"github.com/ashgrove/subsync/internal/store"
	"github.com/ashgrove/subsync/internal/telemetry"
	"github.com/ashgrove/subsync/internal/webhook"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize Sentry error tracking
	sentryCleanup, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:         cfg.Sentry.DSN,
		Enabled:     cfg.Sentry.Enabled,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
		SampleRate:  cfg.Sentry.SampleRate,
		Debug:       cfg.Sentry.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer sentryCleanup()

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	// Verify database connection
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Initialize record store
	recordStore := store.NewPostgresStore(pool)

	// Initialize Prometheus metrics
	metrics := telemetry.NewMetrics("subsync")

	// Initialize plan catalog
	catalog := plan.NewCatalog(plan.CatalogConfig{
		MonthlyPriceID: cfg.Stripe.PriceMonthly,
		AnnualPriceID:  cfg.Stripe.PriceAnnual,
		PremiumPriceID: cfg.Stripe.PricePremium,
	})

	// Initialize Stripe billing provider
	logger.Info("Initializing Stripe billing provider...")
	stripeConfig := billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Timeout:       time.Duration(cfg.Stripe.TimeoutSeconds) * time.Second,
	}
	billingProvider, err := billing.NewStripeProvider(stripeConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized", "test_mode", stripeConfig.IsTestMode())

	// Initialize entitlement notifier
	notifier := entitlement.NewLogNotifier(logger)

	// Initialize outbox service and register consumers
	outboxService := outbox.NewService(recordStore, logger, metrics, outbox.Config{
		Limit:         cfg.Outbox.Limit,
		SweepInterval: cfg.Outbox.SweepInterval,
	})
	outbox.RegisterConsumers(
		outboxService,
		outbox.NewMetricsUsageRecorder(metrics, logger),
		outbox.NewLogNotificationSender(logger),
	)
	go outboxService.Run(ctx)
	logger.Info("Outbox sweeper started", "sweep_interval", cfg.Outbox.SweepInterval)

	// Initialize reconciliation engine
	eng := engine.New(engine.Deps{
		Store:              recordStore,
		Provider:           billingProvider,
		Catalog:            catalog,
		Notifier:           notifier,
		Outbox:             outboxService,
		Metrics:            metrics,
		Logger:             logger,
		CheckoutSuccessURL: cfg.Checkout.SuccessURL,
		CheckoutCancelURL:  cfg.Checkout.CancelURL,
	})

	// Initialize webhook handler
	var webhookHandler *webhook.Handler
	if cfg.Stripe.SkipWebhookVerification {
		webhookHandler, err = webhook.NewDevHandler(cfg.Env, recordStore, eng, metrics, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize webhook handler: %w", err)
		}
	} else {
		webhookHandler = webhook.NewHandler(billingProvider, recordStore, eng, metrics, logger, webhook.Config{
			WebhookSecret: cfg.Stripe.WebhookSecret,
		})
	}

	// Register routes
	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/stripe", webhookHandler)

	// Metrics endpoint (no auth required, but should be protected in production via firewall)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := pool.Ping(req.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Start server
	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      telemetry.SentryMiddleware()(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
