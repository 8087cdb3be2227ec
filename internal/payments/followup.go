package payments

import (
	"context"
	"errors"

	"estateledger/internal/common/metrics"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/notify"
)

// followUp is what a deposit was opened to pay for, read back from the
// transaction under lock.
type followUp struct {
	billID      string
	recurringID string
	// schedule is the locked direct schedule behind recurringID, nil when
	// there is none or it belongs to another user.
	schedule *domain.RecurringPayment
}

// lockFollowUp locks the schedule a deposit was opened for. Callers hold the
// transaction lock and take the wallet lock afterwards.
func lockFollowUp(ctx context.Context, u *ledger.Unit, t *domain.Transaction) (followUp, error) {
	f := followUp{
		billID:      t.Metadata.String(domain.MetaBillID),
		recurringID: t.Metadata.String(domain.MetaRecurringPaymentID),
	}
	if f.recurringID == "" {
		return f, nil
	}
	sched, err := u.Tx.LockRecurring(ctx, t.TenantID, f.recurringID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return f, nil
	case err != nil:
		return f, err
	}
	if sched.UserID == t.UserID && sched.PaymentSource == domain.SourceDirect {
		f.schedule = sched
	}
	return f, nil
}

// book records the settled charge on its schedule. Deposits not opened by a
// schedule book nothing.
func (f followUp) book(ctx context.Context, u *ledger.Unit, succeeded bool) (*ledger.RecurringChange, error) {
	if f.schedule == nil {
		return nil, nil
	}
	c := ledger.RecurringChange{Schedule: f.schedule, Succeeded: succeeded}
	if succeeded {
		c.Completed = f.schedule.SettleSuccess(u.Now)
	} else {
		c.Paused = f.schedule.SettleFailure(u.Now)
	}
	if err := u.SaveRecurring(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyFollowUp spends freshly credited funds on what the deposit was opened
// for. Refusals are returned as skipped and leave the funds in the wallet; any
// other error aborts the unit.
func (s *Service) applyFollowUp(ctx context.Context, u *ledger.Unit, w *domain.Wallet, t *domain.Transaction, f followUp) (skipped error, err error) {
	switch {
	case f.recurringID != "" && f.schedule == nil:
		err = domain.NotFoundf("recurring payment %s", f.recurringID)
	case f.billID != "":
		err = payFollowUpBill(ctx, u, w, t, f)
	case f.recurringID != "":
		_, err = u.Post(ctx, w, domain.TransactionPayment, t.Amount, domain.ProviderWallet, t.Description, scheduleMetadata(f.schedule, t))
	}
	if err == nil {
		return nil, nil
	}
	if isDomainRefusal(err) || errors.Is(err, domain.ErrNotFound) {
		return err, nil
	}
	return nil, err
}

// payFollowUpBill pays the bill with the credited funds, never more than what
// remains. The payer must be allowed to pay it like any wallet payment.
func payFollowUpBill(ctx context.Context, u *ledger.Unit, w *domain.Wallet, t *domain.Transaction, f followUp) error {
	b, err := u.Tx.LockBill(ctx, t.TenantID, f.billID)
	if err != nil {
		return err
	}
	// The owner of a schedule accepted their own bill when setting it up.
	if f.schedule == nil || b.UserID != t.UserID {
		if err := b.CheckPayer(t.UserID); err != nil {
			return err
		}
	}
	amount := t.Amount
	if remaining := b.RemainingAmount(); remaining < amount {
		amount = remaining
	}
	extra := domain.Metadata{domain.MetaOriginalTxnID: t.TransactionID}
	if f.schedule != nil {
		extra[domain.MetaRecurringPaymentID] = f.schedule.ID
	}
	_, err = u.PayBill(ctx, w, b, amount, ledger.MethodDirect, extra)
	metrics.ObserveBillPayment(ledger.MethodDirect, err)
	return err
}

func scheduleMetadata(sched *domain.RecurringPayment, t *domain.Transaction) domain.Metadata {
	meta := domain.Metadata{
		domain.MetaRecurringPaymentID: sched.ID,
		domain.MetaPaymentMethod:      ledger.MethodDirect,
		domain.MetaOriginalTxnID:      t.TransactionID,
	}
	if sched.UtilityProvider != "" {
		meta[domain.MetaUtilityProvider] = sched.UtilityProvider
	}
	if sched.CustomerID != "" {
		meta[domain.MetaCustomerID] = sched.CustomerID
	}
	return meta
}

// recurringBooked reports a charge booked on its schedule at settlement.
func (s *Service) recurringBooked(ctx context.Context, c *ledger.RecurringChange) {
	if c == nil {
		return
	}
	sched := c.Schedule
	metrics.ObserveRecurringAttempt(string(sched.PaymentSource), c.Succeeded)
	s.logger.Info("recurring charge settled",
		"recurring_payment_id", sched.ID,
		"succeeded", c.Succeeded,
		"failed_attempts", sched.FailedAttempts,
		"total_payments", sched.TotalPayments,
	)

	if !c.Succeeded {
		s.notifyRecurring(ctx, notify.KindRecurringFailed, sched, "Scheduled payment failed: "+sched.Title)
	}
	if c.Paused {
		s.notifyRecurring(ctx, notify.KindRecurringPaused, sched, "Scheduled payment paused: "+sched.Title)
	}
	if c.Completed {
		s.notifyRecurring(ctx, notify.KindRecurringCompleted, sched, "Scheduled payment completed: "+sched.Title)
	}
}

func (s *Service) notifyRecurring(ctx context.Context, kind notify.Kind, sched *domain.RecurringPayment, subject string) {
	s.notifier.Notify(ctx, notify.Notification{
		Kind:     kind,
		TenantID: sched.TenantID,
		UserIDs:  []string{sched.UserID},
		Subject:  subject,
		Data: map[string]string{
			"recurring_payment_id": sched.ID,
			"amount":               sched.Amount.String(),
			"status":               string(sched.Status),
		},
	})
}
