package billing

import (
	"context"
	"errors"
	"time"

	"estateledger/internal/common/events"
	"estateledger/internal/common/metrics"
	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/notify"
	"estateledger/internal/payments"
)

// BillPaymentRequest pays a bill. A zero Amount pays the remaining balance.
type BillPaymentRequest struct {
	TenantID string
	BillID   string
	UserID   string
	Amount   money.Amount
}

// checkPayment validates a payment of amount by userID against b and returns
// the amount to charge. Nothing is modified.
func checkPayment(b *domain.Bill, userID string, amount money.Amount, now time.Time) (money.Amount, error) {
	if !b.VisibleTo(userID) {
		return 0, domain.NotFoundf("bill %s", b.ID)
	}
	if err := b.CheckPayable(now); err != nil {
		return 0, err
	}
	if err := b.CheckPayer(userID); err != nil {
		return 0, err
	}
	if amount == 0 {
		amount = b.RemainingAmount()
	}
	if !amount.IsPositive() {
		return 0, domain.Validationf("payment amount must be greater than zero")
	}
	if amount > b.RemainingAmount() {
		return 0, domain.Validationf("payment %s exceeds remaining %s", amount, b.RemainingAmount())
	}
	return amount, nil
}

// ProcessBillPayment pays a bill from the user's wallet and credits the
// tenant's cluster wallet in the same unit. Every precondition is checked
// before anything changes.
func (s *Service) ProcessBillPayment(ctx context.Context, req BillPaymentRequest) (*domain.Transaction, error) {
	var (
		t    *domain.Transaction
		bill *domain.Bill
	)
	evts, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		w, err := u.Tx.LockWallet(ctx, req.TenantID, req.UserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		b, err := u.Tx.LockBill(ctx, req.TenantID, req.BillID)
		if err != nil {
			return err
		}
		amount, err := checkPayment(b, req.UserID, req.Amount, u.Now)
		if err != nil {
			return err
		}
		if w == nil {
			return &domain.InsufficientFundsError{Requested: amount}
		}
		if amount > w.AvailableBalance {
			return &domain.InsufficientFundsError{WalletID: w.ID, Available: w.AvailableBalance, Requested: amount}
		}

		t, err = u.PayBill(ctx, w, b, amount, ledger.MethodWallet, nil)
		if err != nil {
			return err
		}
		bill = b
		return nil
	})
	metrics.ObserveBillPayment(ledger.MethodWallet, err)
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)

	s.logger.Info("bill paid from wallet",
		"bill_id", bill.ID,
		"bill_number", bill.BillNumber,
		"user_id", req.UserID,
		"amount", t.Amount.String(),
		"status", bill.Status,
	)
	s.notifyBill(ctx, notify.KindBillPaid, bill, "Payment received for "+bill.Title, map[string]string{
		"transaction_id": t.TransactionID,
		"paid":           t.Amount.String(),
	})
	return t, nil
}

// DirectPaymentRequest pays a bill through a payment gateway.
type DirectPaymentRequest struct {
	BillPaymentRequest
	Provider    domain.Provider
	Customer    payments.Customer
	CallbackURL string
}

// PayDirect opens a gateway deposit tagged with the bill. The bill is paid
// when the deposit settles.
func (s *Service) PayDirect(ctx context.Context, req DirectPaymentRequest) (*domain.Transaction, *gateway.Initialization, error) {
	b, err := s.store.GetBill(ctx, req.TenantID, req.BillID)
	if err != nil {
		return nil, nil, err
	}
	amount, err := checkPayment(b, req.UserID, req.Amount, s.now())
	if err != nil {
		metrics.ObserveBillPayment(ledger.MethodDirect, err)
		return nil, nil, err
	}

	meta := domain.Metadata{domain.MetaBillType: string(b.Type)}
	if b.UtilityProvider != "" {
		meta[domain.MetaUtilityProvider] = b.UtilityProvider
	}
	t, checkout, err := s.payments.Deposit(ctx, payments.DepositRequest{
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Amount:      amount,
		Provider:    req.Provider,
		Description: "Payment for " + b.Title,
		Metadata:    meta,
		Target:      payments.Target{BillID: b.ID, BillNumber: b.BillNumber},
		Customer:    req.Customer,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return t, nil, err
	}
	s.logger.Info("direct bill payment initialized",
		"bill_id", b.ID,
		"transaction_id", t.TransactionID,
		"provider", t.Provider,
	)
	return t, checkout, nil
}
