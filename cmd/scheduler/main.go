package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"estateledger/internal/common/redis"
	"estateledger/internal/recurring"
	"estateledger/internal/server"
)

// Config holds scheduler configuration
type Config struct {
	MetricsPort int           `envconfig:"SCHEDULER_METRICS_PORT" default:"9095"`
	LockTTL     time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"5m"`

	RecurringInterval time.Duration `envconfig:"SCHEDULER_RECURRING_INTERVAL" default:"1m"`
	ReconcileInterval time.Duration `envconfig:"SCHEDULER_RECONCILE_INTERVAL" default:"5m"`
	PendingTimeout    time.Duration `envconfig:"PAYMENTS_PENDING_TIMEOUT" default:"30m"`
	OverdueInterval   time.Duration `envconfig:"SCHEDULER_OVERDUE_INTERVAL" default:"1h"`
	ReminderInterval  time.Duration `envconfig:"SCHEDULER_REMINDER_INTERVAL" default:"24h"`
	BillReminderLead  time.Duration `envconfig:"BILL_REMINDER_LEAD" default:"72h"`
	RecurringLead     time.Duration `envconfig:"RECURRING_REMINDER_LEAD" default:"24h"`

	server.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := server.NewLogger(cfg.LogLevel, cfg.LogFormat).With("component", "scheduler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := server.New(ctx, cfg.Config, logger)
	if err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	var locker recurring.Locker
	if app.Redis != nil {
		locker = redis.NewLocker(app.Redis)
	} else {
		logger.Warn("REDIS_URL not set; run a single scheduler replica")
	}

	sched := recurring.NewScheduler(locker, cfg.LockTTL, logger).
		Every("recurring-payments", cfg.RecurringInterval, func(ctx context.Context) error {
			_, err := app.Recurring.ProcessDue(ctx)
			return err
		}).
		Every("payment-reconciliation", cfg.ReconcileInterval, func(ctx context.Context) error {
			report, err := app.Payments.Reconcile(ctx, cfg.PendingTimeout)
			if report.Checked > 0 {
				logger.Info("pending payments reconciled",
					"checked", report.Checked,
					"completed", report.Completed,
					"failed", report.Failed,
					"expired", report.Expired,
					"errors", report.Errors,
				)
			}
			return err
		}).
		Every("bill-overdue", cfg.OverdueInterval, func(ctx context.Context) error {
			_, err := app.Bills.MarkOverdue(ctx)
			return err
		}).
		Every("bill-reminders", cfg.ReminderInterval, func(ctx context.Context) error {
			_, err := app.Bills.SendReminders(ctx, cfg.BillReminderLead)
			return err
		}).
		Every("recurring-reminders", cfg.ReminderInterval, func(ctx context.Context) error {
			_, err := app.Recurring.SendReminders(ctx, cfg.RecurringLead)
			return err
		})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := app.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("starting scheduler",
		"environment", cfg.Environment,
		"store", cfg.Store,
		"recurring_interval", cfg.RecurringInterval,
		"reconcile_interval", cfg.ReconcileInterval,
		"workers", cfg.Recurring.Workers,
	)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	logger.Info("scheduler stopped")
}
