package recurring

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"estateledger/internal/common/events"
	"estateledger/internal/common/metrics"
	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/notify"
	"estateledger/internal/payments"
)

// Customer metadata keys read by gateway-charged schedules.
const (
	MetaCustomerEmail = "customer_email"
	MetaCustomerName  = "customer_name"
	MetaCustomerPhone = "customer_phone"
)

// TickReport summarizes one ProcessDue run.
type TickReport struct {
	Processed int `json:"processed"`
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

type attempt struct {
	skipped   bool
	succeeded bool
	paused    bool
	completed bool
	reason    error
	schedule  *domain.RecurringPayment
	broken    bool

	// pending is a gateway charge left open for the owner to complete.
	pending       bool
	transactionID string
	checkoutURL   string
	// booked attempts were already reported by the payment manager.
	booked bool
}

func (r *TickReport) add(a attempt) {
	r.Processed++
	switch {
	case a.broken:
		r.Errors++
	case a.skipped:
		r.Skipped++
	case a.pending:
		r.Pending++
	case a.succeeded:
		r.Succeeded++
	default:
		r.Failed++
	}
	if a.paused {
		r.Paused++
	}
	if a.completed {
		r.Completed++
	}
}

// ProcessDue attempts every active schedule whose next payment date has
// passed. Each schedule runs in its own unit on a bounded worker pool; one
// failing schedule never stops the others. Every attempted schedule has its
// next payment date advanced, whatever the outcome.
func (m *Manager) ProcessDue(ctx context.Context) (TickReport, error) {
	var report TickReport
	due, err := m.store.ListDueRecurring(ctx, m.now(), m.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("listing due recurring payments: %w", err)
	}
	if len(due) == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.cfg.Workers)
	for _, r := range due {
		r := r
		g.Go(func() error {
			a := m.run(ctx, r)
			mu.Lock()
			report.add(a)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("recurring payments processed",
		"processed", report.Processed,
		"pending", report.Pending,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"paused", report.Paused,
		"completed", report.Completed,
		"errors", report.Errors,
	)
	return report, ctx.Err()
}

// run attempts one schedule and isolates panics.
func (m *Manager) run(ctx context.Context, r *domain.RecurringPayment) (a attempt) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("recurring payment attempt panicked",
				"recurring_payment_id", r.ID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			a = m.recordFailure(ctx, r, fmt.Errorf("panic: %v", p))
		}
	}()

	var err error
	if r.PaymentSource == domain.SourceDirect {
		a, err = m.chargeDirect(ctx, r)
	} else {
		a, err = m.chargeWallet(ctx, r)
	}
	if err != nil {
		return m.recordFailure(ctx, r, err)
	}
	m.finish(ctx, a)
	return a
}

// stillDue re-reads the schedule under lock and reports whether the attempt
// listed at r is still pending.
func stillDue(ctx context.Context, u *ledger.Unit, r *domain.RecurringPayment) (*domain.RecurringPayment, bool, error) {
	sched, err := u.Tx.LockRecurring(ctx, r.TenantID, r.ID)
	if err != nil {
		return nil, false, err
	}
	if !sched.IsDue(u.Now) || !sched.NextPaymentDate.Equal(r.NextPaymentDate) {
		return sched, false, nil
	}
	return sched, true, nil
}

// chargeWallet debits the owner's wallet and records the success in one unit.
// Any error rolls the unit back and is recorded as a failed attempt by run.
func (m *Manager) chargeWallet(ctx context.Context, r *domain.RecurringPayment) (attempt, error) {
	var a attempt
	evts, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		a = attempt{}
		sched, due, err := stillDue(ctx, u, r)
		if err != nil {
			return err
		}
		if !due {
			a.skipped = true
			return nil
		}

		w, err := u.Tx.LockWallet(ctx, sched.TenantID, sched.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.InsufficientFundsError{Requested: sched.Amount}
		}
		if err != nil {
			return err
		}

		if sched.BillID != "" {
			err = m.payBill(ctx, u, sched, w)
		} else {
			err = m.payUtility(ctx, u, sched, w)
		}
		if err != nil {
			return err
		}

		sched.RecordSuccess(u.Now)
		a.succeeded = true
		a.schedule = sched
		a.completed = sched.Status == domain.RecurringCompleted
		return u.SaveRecurring(ctx, ledger.RecurringChange{Schedule: sched, Succeeded: true, Completed: a.completed})
	})
	if err != nil {
		return attempt{}, err
	}
	events.PublishAll(ctx, m.publisher, m.logger, evts)
	return a, nil
}

func checkFunds(sched *domain.RecurringPayment, w *domain.Wallet, amount money.Amount) error {
	if !sched.WithinSpendingLimit(amount) {
		return domain.Validationf("amount %s exceeds spending limit %s", amount, *sched.SpendingLimit)
	}
	if w.Status != domain.WalletStatusActive {
		return domain.Conflictf("wallet %s is %s", w.ID, w.Status)
	}
	if amount > w.AvailableBalance {
		return &domain.InsufficientFundsError{WalletID: w.ID, Available: w.AvailableBalance, Requested: amount}
	}
	return nil
}

// payBill pays the linked bill, never more than what remains on it.
func (m *Manager) payBill(ctx context.Context, u *ledger.Unit, sched *domain.RecurringPayment, w *domain.Wallet) error {
	b, err := u.Tx.LockBill(ctx, sched.TenantID, sched.BillID)
	if err != nil {
		return err
	}
	if !b.VisibleTo(sched.UserID) {
		return domain.NotFoundf("bill %s", b.ID)
	}
	if err := b.CheckPayable(u.Now); err != nil {
		return err
	}
	// A bill raised for the owner was accepted when the schedule was set up.
	if b.UserID != sched.UserID {
		if err := b.CheckPayer(sched.UserID); err != nil {
			return err
		}
	}
	amount := sched.Amount
	if remaining := b.RemainingAmount(); remaining < amount {
		amount = remaining
	}
	if err := checkFunds(sched, w, amount); err != nil {
		return err
	}
	_, err = u.PayBill(ctx, w, b, amount, ledger.MethodRecurring, domain.Metadata{
		domain.MetaRecurringPaymentID: sched.ID,
	})
	metrics.ObserveBillPayment(ledger.MethodRecurring, err)
	return err
}

// payUtility debits the wallet for a schedule with no bill.
func (m *Manager) payUtility(ctx context.Context, u *ledger.Unit, sched *domain.RecurringPayment, w *domain.Wallet) error {
	if err := checkFunds(sched, w, sched.Amount); err != nil {
		return err
	}
	_, err := u.Post(ctx, w, domain.TransactionPayment, sched.Amount, domain.ProviderWallet, sched.Title, recurringMetadata(sched, ledger.MethodRecurring))
	return err
}

func recurringMetadata(sched *domain.RecurringPayment, method string) domain.Metadata {
	meta := domain.Metadata{
		domain.MetaRecurringPaymentID: sched.ID,
		domain.MetaPaymentMethod:      method,
	}
	if sched.UtilityProvider != "" {
		meta[domain.MetaUtilityProvider] = sched.UtilityProvider
	}
	if sched.CustomerID != "" {
		meta[domain.MetaCustomerID] = sched.CustomerID
	}
	if sched.BillID != "" {
		meta[domain.MetaBillID] = sched.BillID
	}
	return meta
}

// chargeDirect advances a due schedule and opens a gateway deposit for it.
// Nothing is booked until the deposit settles or expires; the payment manager
// records the outcome on the schedule then.
func (m *Manager) chargeDirect(ctx context.Context, r *domain.RecurringPayment) (attempt, error) {
	if !r.WithinSpendingLimit(r.Amount) {
		return attempt{}, domain.Validationf("amount %s exceeds spending limit %s", r.Amount, *r.SpendingLimit)
	}
	if m.payments == nil {
		return attempt{}, &gateway.Error{Provider: r.Provider, Op: "initialize", Message: "gateway payments are not configured"}
	}

	var a attempt
	evts, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		a = attempt{}
		sched, due, err := stillDue(ctx, u, r)
		if err != nil {
			return err
		}
		if !due {
			a.skipped = true
			return nil
		}
		sched.Advance(u.Now)
		a.pending = true
		a.schedule = sched
		a.completed = sched.Status == domain.RecurringCompleted
		return u.SaveRecurring(ctx, ledger.RecurringChange{Schedule: sched, Completed: a.completed})
	})
	if err != nil {
		return attempt{}, err
	}
	events.PublishAll(ctx, m.publisher, m.logger, evts)
	if a.skipped {
		return a, nil
	}

	t, checkout, err := m.payments.Deposit(ctx, payments.DepositRequest{
		TenantID:    r.TenantID,
		UserID:      r.UserID,
		Amount:      r.Amount,
		Provider:    r.Provider,
		Description: r.Title,
		Metadata:    recurringMetadata(r, ledger.MethodDirect),
		Target:      payments.Target{BillID: r.BillID, RecurringPaymentID: r.ID},
		Customer: payments.Customer{
			Email: r.Metadata.String(MetaCustomerEmail),
			Name:  r.Metadata.String(MetaCustomerName),
			Phone: r.Metadata.String(MetaCustomerPhone),
		},
	})
	switch {
	case err != nil && t == nil:
		return m.bookOpenFailure(ctx, r, err), nil
	case err != nil:
		// The deposit was failed and booked on the schedule by the payment manager.
		return m.bookedFailure(ctx, r, t, err), nil
	}
	a.transactionID = t.TransactionID
	a.checkoutURL = checkout.AuthorizationURL
	return a, nil
}

// bookOpenFailure books a charge whose deposit could not be created. The
// schedule was already advanced.
func (m *Manager) bookOpenFailure(ctx context.Context, r *domain.RecurringPayment, cause error) attempt {
	a := attempt{reason: cause}
	evts, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		sched, err := u.Tx.LockRecurring(ctx, r.TenantID, r.ID)
		if err != nil {
			return err
		}
		a.paused = sched.SettleFailure(u.Now)
		a.schedule = sched
		return u.SaveRecurring(ctx, ledger.RecurringChange{Schedule: sched, Paused: a.paused})
	})
	if err != nil {
		m.logger.Error("recording failed recurring payment",
			"recurring_payment_id", r.ID,
			"cause", cause,
			"error", err,
		)
		return attempt{broken: true, reason: cause}
	}
	events.PublishAll(ctx, m.publisher, m.logger, evts)
	return a
}

func (m *Manager) bookedFailure(ctx context.Context, r *domain.RecurringPayment, t *domain.Transaction, cause error) attempt {
	a := attempt{booked: true, reason: cause}
	sched, err := m.store.GetRecurring(ctx, r.TenantID, r.ID)
	if err != nil {
		m.logger.Error("reloading recurring payment",
			"recurring_payment_id", r.ID,
			"transaction_id", t.TransactionID,
			"error", err,
		)
		return attempt{broken: true, reason: cause}
	}
	a.schedule = sched
	a.paused = sched.Status == domain.RecurringPaused
	return a
}

// recordFailure books a failed attempt in its own unit so the schedule
// advances even when the charge unit was rolled back.
func (m *Manager) recordFailure(ctx context.Context, r *domain.RecurringPayment, cause error) attempt {
	var a attempt
	evts, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		a = attempt{reason: cause}
		sched, due, err := stillDue(ctx, u, r)
		if err != nil {
			return err
		}
		if !due {
			a.skipped = true
			return nil
		}
		a.paused = sched.RecordFailure(u.Now)
		a.schedule = sched
		a.completed = sched.Status == domain.RecurringCompleted
		return u.SaveRecurring(ctx, ledger.RecurringChange{Schedule: sched, Paused: a.paused, Completed: a.completed})
	})
	if err != nil {
		m.logger.Error("recording failed recurring payment",
			"recurring_payment_id", r.ID,
			"cause", cause,
			"error", err,
		)
		return attempt{broken: true, reason: cause}
	}
	events.PublishAll(ctx, m.publisher, m.logger, evts)
	m.finish(ctx, a)
	return a
}

// finish logs, measures and notifies the outcome of an attempt.
func (m *Manager) finish(ctx context.Context, a attempt) {
	if a.skipped || a.booked || a.schedule == nil {
		return
	}
	sched := a.schedule

	switch {
	case a.pending:
		m.logger.Info("recurring checkout opened",
			"recurring_payment_id", sched.ID,
			"transaction_id", a.transactionID,
			"next_payment_date", sched.NextPaymentDate,
		)
		m.notify(ctx, notify.KindRecurringCheckout, sched, "Complete your scheduled payment: "+sched.Title, map[string]string{
			"transaction_id":    a.transactionID,
			"authorization_url": a.checkoutURL,
		})
	case a.succeeded:
		metrics.ObserveRecurringAttempt(string(sched.PaymentSource), true)
		m.logger.Info("recurring payment charged",
			"recurring_payment_id", sched.ID,
			"user_id", sched.UserID,
			"amount", sched.Amount.String(),
			"next_payment_date", sched.NextPaymentDate,
		)
	default:
		metrics.ObserveRecurringAttempt(string(sched.PaymentSource), false)
		m.logger.Warn("recurring payment failed",
			"recurring_payment_id", sched.ID,
			"user_id", sched.UserID,
			"failed_attempts", sched.FailedAttempts,
			"error", a.reason,
		)
		m.notify(ctx, notify.KindRecurringFailed, sched, "Scheduled payment failed: "+sched.Title, map[string]string{
			"reason": failureReason(a.reason),
		})
	}
	if a.paused {
		m.logger.Warn("recurring payment paused after repeated failures",
			"recurring_payment_id", sched.ID,
			"failed_attempts", sched.FailedAttempts,
		)
		m.notify(ctx, notify.KindRecurringPaused, sched, "Scheduled payment paused: "+sched.Title, nil)
	}
	if a.completed {
		m.logger.Info("recurring payment completed", "recurring_payment_id", sched.ID, "total_payments", sched.TotalPayments)
		m.notify(ctx, notify.KindRecurringCompleted, sched, "Scheduled payment completed: "+sched.Title, nil)
	}
}

func failureReason(err error) string {
	var insufficient *domain.InsufficientFundsError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &insufficient):
		return "insufficient funds"
	case errors.Is(err, domain.ErrGateway):
		return "payment gateway unavailable"
	case errors.Is(err, domain.ErrNotPayable), errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrStateConflict), errors.Is(err, domain.ErrNotFound):
		return err.Error()
	}
	return "internal error"
}

func (m *Manager) notify(ctx context.Context, kind notify.Kind, sched *domain.RecurringPayment, subject string, extra map[string]string) {
	data := map[string]string{
		"recurring_payment_id": sched.ID,
		"amount":               sched.Amount.String(),
		"status":               string(sched.Status),
		"failed_attempts":      fmt.Sprint(sched.FailedAttempts),
		"next_payment_date":    sched.NextPaymentDate.Format(time.DateOnly),
	}
	for k, v := range extra {
		data[k] = v
	}
	m.notifier.Notify(ctx, notify.Notification{
		Kind:     kind,
		TenantID: sched.TenantID,
		UserIDs:  []string{sched.UserID},
		Subject:  subject,
		Data:     data,
	})
}
