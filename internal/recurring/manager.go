// Package recurring manages scheduled payments and the worker that charges them.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
	"estateledger/internal/notify"
	"estateledger/internal/payments"
)

// Config tunes the scheduler tick.
type Config struct {
	Workers           int `envconfig:"RECURRING_WORKERS" default:"8"`
	BatchSize         int `envconfig:"RECURRING_BATCH_SIZE" default:"500"`
	MaxFailedAttempts int `envconfig:"RECURRING_MAX_FAILED_ATTEMPTS" default:"3"`
}

// Manager is the recurring payment manager.
type Manager struct {
	store     store.Store
	payments  *payments.Service
	publisher events.EventPublisher
	notifier  notify.Notifier
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewManager creates a new recurring payment manager. payments serves
// schedules that charge through a gateway.
func NewManager(st store.Store, pay *payments.Service, publisher events.EventPublisher, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = domain.DefaultMaxFailedAttempts
	}
	return &Manager{
		store:     st,
		payments:  pay,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the manager clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateRequest describes a new schedule. A zero StartDate starts immediately.
type CreateRequest struct {
	TenantID          string
	UserID            string
	Title             string
	Description       string
	Amount            money.Amount
	Frequency         domain.Frequency
	StartDate         time.Time
	EndDate           *time.Time
	MaxPayments       int
	MaxFailedAttempts int
	SpendingLimit     *money.Amount
	PaymentSource     domain.PaymentSource
	Provider          domain.Provider
	BillID            string
	UtilityProvider   string
	CustomerID        string
	Metadata          domain.Metadata
}

// Create validates and stores a schedule on the user's wallet.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.RecurringPayment, error) {
	if req.MaxFailedAttempts <= 0 {
		req.MaxFailedAttempts = m.cfg.MaxFailedAttempts
	}

	var r *domain.RecurringPayment
	evts, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		if req.BillID != "" {
			b, err := u.Tx.GetBill(ctx, req.TenantID, req.BillID)
			if errors.Is(err, domain.ErrNotFound) || (err == nil && !b.VisibleTo(req.UserID)) {
				return domain.Validationf("bill %s does not exist", req.BillID)
			}
			if err != nil {
				return err
			}
		}
		w, err := u.EnsureWallet(ctx, req.TenantID, req.UserID)
		if err != nil {
			return err
		}
		r, err = domain.NewRecurringPayment(ledger.NewID(), domain.RecurringSpec{
			TenantID:          req.TenantID,
			UserID:            req.UserID,
			WalletID:          w.ID,
			Title:             req.Title,
			Description:       req.Description,
			Amount:            req.Amount,
			Currency:          w.Currency,
			Frequency:         req.Frequency,
			StartDate:         req.StartDate,
			EndDate:           req.EndDate,
			MaxPayments:       req.MaxPayments,
			MaxFailedAttempts: req.MaxFailedAttempts,
			SpendingLimit:     req.SpendingLimit,
			PaymentSource:     req.PaymentSource,
			Provider:          req.Provider,
			BillID:            req.BillID,
			UtilityProvider:   req.UtilityProvider,
			CustomerID:        req.CustomerID,
			Metadata:          req.Metadata,
		}, u.Now)
		if err != nil {
			return err
		}
		return u.Tx.CreateRecurring(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, m.publisher, m.logger, evts)

	m.logger.Info("recurring payment created",
		"recurring_payment_id", r.ID,
		"user_id", r.UserID,
		"amount", r.Amount.String(),
		"frequency", r.Frequency,
		"next_payment_date", r.NextPaymentDate,
	)
	return r, nil
}

// Get returns one of the user's schedules. An empty userID skips the ownership check.
func (m *Manager) Get(ctx context.Context, tenantID, id, userID string) (*domain.RecurringPayment, error) {
	r, err := m.store.GetRecurring(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && r.UserID != userID {
		return nil, domain.NotFoundf("recurring payment %s", id)
	}
	return r, nil
}

// ListRequest filters List.
type ListRequest struct {
	TenantID string
	UserID   string
	Status   domain.RecurringStatus
	Limit    int
	Offset   int
}

// List lists schedules, soonest first.
func (m *Manager) List(ctx context.Context, req ListRequest) ([]*domain.RecurringPayment, int64, error) {
	switch req.Status {
	case "", domain.RecurringActive, domain.RecurringPaused, domain.RecurringCancelled, domain.RecurringCompleted:
	default:
		return nil, 0, domain.Validationf("unknown status %q", req.Status)
	}
	return m.store.ListRecurring(ctx, store.RecurringFilter{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Status:   req.Status,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
}

// Summary aggregates the user's schedules.
func (m *Manager) Summary(ctx context.Context, tenantID, userID string) (domain.RecurringSummary, error) {
	var summary domain.RecurringSummary
	f := store.RecurringFilter{TenantID: tenantID, UserID: userID, Limit: store.MaxLimit}
	for {
		list, total, err := m.store.ListRecurring(ctx, f)
		if err != nil {
			return summary, err
		}
		for _, r := range list {
			summary.Add(r)
		}
		f.Offset += len(list)
		if len(list) == 0 || int64(f.Offset) >= total {
			return summary, nil
		}
	}
}

// UpdateRequest changes an active or paused schedule owned by UserID.
type UpdateRequest struct {
	TenantID string
	ID       string
	UserID   string
	Changes  domain.RecurringUpdate
}

// Update applies the requested changes.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*domain.RecurringPayment, error) {
	var r *domain.RecurringPayment
	_, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		var err error
		r, err = m.lockOwned(ctx, u, req.TenantID, req.ID, req.UserID)
		if err != nil {
			return err
		}
		if err := r.ApplyUpdate(req.Changes, u.Now); err != nil {
			return err
		}
		return u.Tx.UpdateRecurring(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("recurring payment updated", "recurring_payment_id", r.ID)
	return r, nil
}

// Pause stops an active schedule.
func (m *Manager) Pause(ctx context.Context, tenantID, id, userID string) (domain.Outcome, error) {
	return m.transition(ctx, tenantID, id, userID, "paused", (*domain.RecurringPayment).Pause)
}

// Resume reactivates a paused schedule. Failed attempts are not reset.
func (m *Manager) Resume(ctx context.Context, tenantID, id, userID string) (domain.Outcome, error) {
	return m.transition(ctx, tenantID, id, userID, "resumed", (*domain.RecurringPayment).Resume)
}

// Cancel ends a schedule for good.
func (m *Manager) Cancel(ctx context.Context, tenantID, id, userID string) (domain.Outcome, error) {
	return m.transition(ctx, tenantID, id, userID, "cancelled", (*domain.RecurringPayment).Cancel)
}

func (m *Manager) transition(ctx context.Context, tenantID, id, userID, verb string, fn func(*domain.RecurringPayment, time.Time) (domain.Outcome, error)) (domain.Outcome, error) {
	var outcome domain.Outcome
	_, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		r, err := m.lockOwned(ctx, u, tenantID, id, userID)
		if err != nil {
			return err
		}
		outcome, err = fn(r, u.Now)
		if err != nil || !outcome.Applied() {
			return err
		}
		return u.Tx.UpdateRecurring(ctx, r)
	})
	if err != nil {
		return "", err
	}
	if outcome.Applied() {
		m.logger.Info("recurring payment "+verb, "recurring_payment_id", id, "user_id", userID)
	}
	return outcome, nil
}

func (m *Manager) lockOwned(ctx context.Context, u *ledger.Unit, tenantID, id, userID string) (*domain.RecurringPayment, error) {
	r, err := u.Tx.LockRecurring(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && r.UserID != userID {
		return nil, domain.NotFoundf("recurring payment %s", id)
	}
	return r, nil
}

// SendReminders notifies owners of active schedules due within the window and
// returns how many reminders were sent.
func (m *Manager) SendReminders(ctx context.Context, within time.Duration) (int, error) {
	now := m.now()
	to := now.Add(within)
	f := store.RecurringFilter{Status: domain.RecurringActive, DueFrom: &now, DueTo: &to, Limit: store.MaxLimit}
	sent := 0
	for {
		list, total, err := m.store.ListRecurring(ctx, f)
		if err != nil {
			return sent, fmt.Errorf("listing upcoming recurring payments: %w", err)
		}
		for _, r := range list {
			m.notifier.Notify(ctx, notify.Notification{
				Kind:     notify.KindRecurringReminder,
				TenantID: r.TenantID,
				UserIDs:  []string{r.UserID},
				Subject:  "Upcoming payment: " + r.Title,
				Data: map[string]string{
					"recurring_payment_id": r.ID,
					"amount":               r.Amount.String(),
					"next_payment_date":    r.NextPaymentDate.Format(time.DateOnly),
				},
			})
			sent++
		}
		f.Offset += len(list)
		if len(list) == 0 || int64(f.Offset) >= total {
			break
		}
	}
	m.logger.Info("recurring payment reminders sent", "count", sent)
	return sent, nil
}
