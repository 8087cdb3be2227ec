// Package server assembles the ledger services from configuration. Both the
// API and the scheduler binaries start from here.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"estateledger/internal/billing"
	"estateledger/internal/clusterwallet"
	"estateledger/internal/common/database"
	"estateledger/internal/common/events"
	"estateledger/internal/common/nats"
	"estateledger/internal/common/redis"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/store"
	"estateledger/internal/notify"
	"estateledger/internal/payments"
	"estateledger/internal/providers"
	"estateledger/internal/recurring"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is shared by every binary.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	Store       string `envconfig:"LEDGER_STORE" default:"postgres"`

	// AsyncCallbacks relays verified webhooks through JetStream instead of
	// settling them inside the webhook request. Needs NATS.
	AsyncCallbacks bool `envconfig:"PAYMENTS_ASYNC_CALLBACKS" default:"false"`

	Database  database.Config
	Redis     redis.Config
	NATS      nats.Config
	Gateways  providers.Config
	Recurring recurring.Config
}

// App holds the connected infrastructure and the services built on it.
type App struct {
	Store     store.Store
	DB        *database.DB
	Redis     *redis.Client
	NATS      *nats.Client
	Publisher events.EventPublisher

	Wallets   *ledger.Service
	Payments  *payments.Service
	Bills     *billing.Service
	Recurring *recurring.Manager
	Cluster   *clusterwallet.Manager

	// Relay is set when callbacks are settled asynchronously.
	Relay *payments.CallbackRelay

	logger *slog.Logger
}

// New connects the configured backends and builds the services. Redis and
// NATS are optional; without NATS events are dropped.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger, Publisher: events.NopPublisher{}}

	switch cfg.Store {
	case StorePostgres:
		if cfg.Database.URL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.DB = db
		a.Store = store.NewPostgres(db, cfg.Database.TxRetries)
	case StoreMemory:
		logger.Warn("using the in-memory store; balances are lost on restart")
		a.Store = store.NewMemory()
	default:
		return nil, fmt.Errorf("unknown LEDGER_STORE %q", cfg.Store)
	}

	if cfg.Redis.URL != "" {
		rc, err := redis.New(ctx, cfg.Redis, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rc
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.NATS = nc
		if _, err := nc.EnsureStream(ctx, nats.DefaultStreamConfig(cfg.NATS.Stream, events.StreamSubjects)); err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = nats.NewPublisher(nc, logger)
	} else if cfg.AsyncCallbacks {
		a.Close()
		return nil, errors.New("PAYMENTS_ASYNC_CALLBACKS needs NATS_URL")
	}

	registry, err := providers.NewRegistry(cfg.Gateways, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.Nop{}
	if a.NATS != nil {
		notifier = notify.NewDispatcher(a.Publisher, logger)
	}

	a.Wallets = ledger.NewService(a.Store, a.Publisher, logger)
	a.Payments = payments.NewService(a.Store, registry, a.Publisher, notifier, logger)
	a.Bills = billing.NewService(a.Store, a.Payments, a.Publisher, notifier, logger)
	a.Recurring = recurring.NewManager(a.Store, a.Payments, a.Publisher, notifier, cfg.Recurring, logger)
	a.Cluster = clusterwallet.NewManager(a.Store, a.Wallets, a.Publisher, logger)

	if cfg.AsyncCallbacks {
		a.Relay = payments.NewCallbackRelay(a.NATS, a.Payments, logger)
	}
	return a, nil
}

// HealthCheck pings every connected backend.
func (a *App) HealthCheck(ctx context.Context) error {
	if a.DB != nil {
		if err := a.DB.HealthCheck(ctx); err != nil {
			return err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.NATS != nil {
		if err := a.NATS.HealthCheck(); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	return nil
}

// Close releases every backend connection.
func (a *App) Close() {
	if a.NATS != nil {
		a.NATS.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// NewLogger builds the process logger and installs it as the slog default,
// which code without an injected logger writes to.
func NewLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
