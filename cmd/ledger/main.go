package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"estateledger/internal/common/database"
	"estateledger/internal/common/middleware"
	"estateledger/internal/common/redis"
	"estateledger/internal/ledger/api"
	"estateledger/internal/server"
)

// Config holds service configuration
type Config struct {
	Port            int           `envconfig:"LEDGER_PORT" default:"8085"`
	ShutdownTimeout time.Duration `envconfig:"LEDGER_SHUTDOWN_TIMEOUT" default:"30s"`
	CORSOrigins     string        `envconfig:"LEDGER_CORS_ORIGINS" default:"*"`
	IdempotencyTTL  time.Duration `envconfig:"LEDGER_IDEMPOTENCY_TTL" default:"24h"`
	RateLimit       int           `envconfig:"LEDGER_RATE_LIMIT" default:"120"`
	RateWindow      time.Duration `envconfig:"LEDGER_RATE_WINDOW" default:"1m"`

	server.Config
}

func main() {
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := server.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if *migrateOnly {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := server.New(ctx, cfg.Config, logger)
	if err != nil {
		logger.Error("failed to start ledger", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.Relay != nil {
		go func() {
			if err := app.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("callback relay stopped", "error", err)
				cancel()
			}
		}()
	}

	// Per-caller middleware runs once the identity headers are read.
	var callerMW []func(http.Handler) http.Handler
	if app.Redis != nil {
		callerMW = append(callerMW,
			middleware.RateLimit(redis.NewRateLimiter(app.Redis, cfg.RateLimit, cfg.RateWindow), middleware.CallerKey, logger),
			middleware.Idempotency(redis.NewIdempotencyStore(app.Redis), cfg.IdempotencyTTL, logger),
		)
	}

	ledgerHandler := api.NewHandler(api.Services{
		Wallets:   app.Wallets,
		Payments:  app.Payments,
		Bills:     app.Bills,
		Recurring: app.Recurring,
		Cluster:   app.Cluster,
	}, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.Trace)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(strings.Split(cfg.CORSOrigins, ",")))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := app.HealthCheck(r.Context()); err != nil {
			logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/api/v1/ledger", ledgerHandler.Routes(callerMW...))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting ledger service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.Store,
			"async_callbacks", app.Relay != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
