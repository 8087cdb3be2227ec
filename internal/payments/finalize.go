package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"estateledger/internal/common/events"
	"estateledger/internal/common/metrics"
	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/notify"
)

// Finalization outcomes recorded in metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeReplay    = "replay"
)

// Confirmation is the gateway's verdict on a transaction. A zero Amount means
// the provider did not report one.
type Confirmation struct {
	Succeeded  bool
	Amount     money.Amount
	Reason     string
	ProviderID string
}

func confirmationFrom(status gateway.Status, amount money.Amount, reason, providerID string) Confirmation {
	return Confirmation{
		Succeeded:  status == gateway.StatusSuccess,
		Amount:     amount,
		Reason:     reason,
		ProviderID: providerID,
	}
}

// FinalizePayment settles the transaction identified by its provider reference.
// Finalizing a transaction that is already completed or failed returns it unchanged.
func (s *Service) FinalizePayment(ctx context.Context, reference string, c Confirmation) (*domain.Transaction, error) {
	if reference == "" {
		return nil, domain.Validationf("reference is required")
	}

	var (
		t       *domain.Transaction
		replay  bool
		skipped error
		change  *ledger.RecurringChange
	)
	evts, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		replay, skipped, change = false, nil, nil

		var err error
		t, err = u.Tx.LockTransactionByReference(ctx, reference)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			replay = true
			return nil
		}
		f, err := lockFollowUp(ctx, u, t)
		if err != nil {
			return err
		}

		succeeded, reason := c.Succeeded, c.Reason
		if succeeded && c.Amount != 0 && c.Amount != t.Amount {
			succeeded, reason = false, ReasonAmountMismatch
		}
		if !succeeded {
			if reason == "" {
				reason = ReasonDeclined
			}
			if err := t.MarkFailed(reason, u.Now); err != nil {
				return err
			}
			if err := u.Tx.UpdateTransaction(ctx, t); err != nil {
				return err
			}
			u.Emit(events.EventPaymentFailed, t.TenantID, "transaction", t.TransactionID, paymentData(t))
			change, err = f.book(ctx, u, false)
			return err
		}

		if c.ProviderID != "" {
			t.Metadata = t.Metadata.Merge(domain.Metadata{domain.MetaProviderID: c.ProviderID})
		}
		w, err := u.Tx.LockWallet(ctx, t.TenantID, t.UserID)
		if err != nil {
			return err
		}
		if err := u.Settle(ctx, w, t); err != nil {
			return err
		}
		skipped, err = s.applyFollowUp(ctx, u, w, t, f)
		if err != nil {
			return err
		}
		if change, err = f.book(ctx, u, skipped == nil); err != nil {
			return err
		}
		u.Emit(events.EventPaymentCompleted, t.TenantID, "transaction", t.TransactionID, paymentData(t))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)

	switch {
	case replay:
		s.observe(t.Provider, OutcomeReplay)
		s.logger.Debug("payment already finalized", "transaction_id", t.TransactionID, "status", t.Status)
		return t, nil
	case t.Status == domain.TransactionFailed:
		s.observe(t.Provider, OutcomeFailed)
		s.logger.Info("payment failed", "transaction_id", t.TransactionID, "reason", t.FailureReason)
		s.notifyFailure(ctx, t)
		s.recurringBooked(ctx, change)
		return t, nil
	}

	s.observe(t.Provider, OutcomeCompleted)
	if skipped != nil {
		s.logger.Warn("payment credited but follow-up not applied, funds stay in the wallet",
			"transaction_id", t.TransactionID,
			"bill_id", t.Metadata.String(domain.MetaBillID),
			"recurring_payment_id", t.Metadata.String(domain.MetaRecurringPaymentID),
			"error", skipped,
		)
	}
	s.logger.Info("payment completed",
		"transaction_id", t.TransactionID,
		"provider", t.Provider,
		"amount", t.Amount.String(),
	)
	s.notifier.Notify(ctx, notify.Notification{
		Kind:     notify.KindPaymentSucceeded,
		TenantID: t.TenantID,
		UserIDs:  []string{t.UserID},
		Subject:  "Payment received",
		Data: map[string]string{
			"transaction_id": t.TransactionID,
			"amount":         t.Amount.String(),
			"bill_number":    t.Metadata.String(domain.MetaBillNumber),
		},
	})
	s.recurringBooked(ctx, change)
	return t, nil
}

// VerifyPayment asks the gateway for the transaction's state and finalizes it
// when the provider has a verdict.
func (s *Service) VerifyPayment(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error) {
	t, err := s.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return t, nil
	}
	if t.ProviderReference == "" {
		return nil, domain.Conflictf("transaction %s has not been initialized", t.TransactionID)
	}
	v, err := s.verify(ctx, t)
	if err != nil {
		return nil, err
	}
	if v.Status == gateway.StatusPending {
		return t, nil
	}
	return s.FinalizePayment(ctx, t.ProviderReference, confirmationFrom(v.Status, v.Amount, v.Reason, v.ProviderID))
}

func (s *Service) verify(ctx context.Context, t *domain.Transaction) (*gateway.Verification, error) {
	adapter, err := s.gateways.Get(t.Provider)
	if err != nil {
		return nil, err
	}
	v, err := adapter.Verify(ctx, t.ProviderReference)
	if err != nil {
		return nil, fmt.Errorf("verifying payment %s: %w", t.TransactionID, err)
	}
	return v, nil
}

// HandleCallback verifies a provider webhook and settles the transaction it
// names. With async callbacks enabled the verified callback is relayed and a
// nil transaction is returned. Pending notifications return gateway.ErrIgnoredEvent.
func (s *Service) HandleCallback(ctx context.Context, provider domain.Provider, headers http.Header, body []byte) (*domain.Transaction, error) {
	if !provider.IsGateway() {
		return nil, domain.NotFoundf("payment provider %q", provider)
	}
	adapter, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	evt, err := adapter.VerifyWebhook(headers, body)
	if err != nil {
		return nil, err
	}
	if evt.Status == gateway.StatusPending {
		return nil, gateway.ErrIgnoredEvent
	}

	s.logger.Info("gateway callback received",
		"provider", provider,
		"type", evt.Type,
		"reference", evt.Reference,
		"status", evt.Status,
	)

	if s.relay != nil {
		data := events.GatewayCallbackData{
			Provider:   string(provider),
			Reference:  evt.Reference,
			Succeeded:  evt.Status == gateway.StatusSuccess,
			Reason:     evt.Reason,
			ProviderID: evt.ProviderID,
		}
		if evt.Amount != 0 {
			data.Amount = evt.Amount.String()
		}
		relayed, err := events.NewEvent(events.EventGatewayCallback, "", "transaction", evt.Reference, data)
		if err != nil {
			return nil, fmt.Errorf("building callback event: %w", err)
		}
		events.Correlate(ctx, []*events.Event{relayed})
		if err := s.relay.Publish(ctx, relayed); err != nil {
			return nil, fmt.Errorf("relaying callback: %w", err)
		}
		return nil, nil
	}

	return s.FinalizePayment(ctx, evt.Reference, confirmationFrom(evt.Status, evt.Amount, evt.Reason, evt.ProviderID))
}

// HandleRelayedCallback finalizes a callback relayed through the event bus.
// Callbacks for unknown references are dropped instead of redelivered. The
// events it raises keep the webhook request's correlation id.
func (s *Service) HandleRelayedCallback(ctx context.Context, evt *events.Event) error {
	ctx = events.ContextWithCorrelation(ctx, evt.CorrelationID, evt.ID)
	var data events.GatewayCallbackData
	if err := evt.DecodeData(&data); err != nil {
		s.logger.Error("dropping malformed gateway callback", "event_id", evt.ID, "error", err)
		return nil
	}
	c := Confirmation{Succeeded: data.Succeeded, Reason: data.Reason, ProviderID: data.ProviderID}
	if data.Amount != "" {
		amount, err := money.ParseAmount(data.Amount)
		if err != nil {
			s.logger.Error("dropping gateway callback with bad amount", "event_id", evt.ID, "amount", data.Amount)
			return nil
		}
		c.Amount = amount
	}

	_, err := s.FinalizePayment(ctx, data.Reference, c)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("gateway callback for unknown reference", "provider", data.Provider, "reference", data.Reference)
		return nil
	}
	return err
}

// ReconcileReport counts what one reconciliation sweep did.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Errors    int `json:"errors"`
}

// reconcileBatch bounds one sweep.
const reconcileBatch = 200

// Reconcile resolves pending transactions created more than olderThan ago.
// Each is verified with its gateway when it has a reference; unresolved ones
// are failed as expired. A gateway error leaves the transaction for the next sweep.
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration) (ReconcileReport, error) {
	var report ReconcileReport

	pending, err := s.store.ListPendingTransactions(ctx, s.now().Add(-olderThan), reconcileBatch)
	if err != nil {
		return report, fmt.Errorf("listing pending transactions: %w", err)
	}

	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		outcome, err := s.reconcileOne(ctx, t)
		if err != nil {
			report.Errors++
			s.logger.Warn("reconciliation left transaction pending",
				"transaction_id", t.TransactionID,
				"error", err,
			)
			metrics.ObserveReconciled("error")
			continue
		}
		switch outcome {
		case OutcomeCompleted:
			report.Completed++
		case OutcomeFailed:
			report.Failed++
		case ReasonExpired:
			report.Expired++
		}
		metrics.ObserveReconciled(outcome)
	}

	s.logger.Info("pending transactions reconciled",
		"checked", report.Checked,
		"completed", report.Completed,
		"failed", report.Failed,
		"expired", report.Expired,
		"errors", report.Errors,
	)
	return report, nil
}

func (s *Service) reconcileOne(ctx context.Context, t *domain.Transaction) (string, error) {
	if t.ProviderReference != "" && t.Provider.IsGateway() {
		v, err := s.verify(ctx, t)
		if err != nil {
			return "", err
		}
		if v.Status != gateway.StatusPending {
			final, err := s.FinalizePayment(ctx, t.ProviderReference, confirmationFrom(v.Status, v.Amount, v.Reason, v.ProviderID))
			if err != nil {
				return "", err
			}
			if final.Status == domain.TransactionCompleted {
				return OutcomeCompleted, nil
			}
			return OutcomeFailed, nil
		}
	}

	if _, err := s.fail(ctx, t.TenantID, t.TransactionID, ReasonExpired); err != nil {
		return "", err
	}
	return ReasonExpired, nil
}
