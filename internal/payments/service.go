// Package payments runs gateway-backed payments: it opens pending transactions,
// initializes checkouts and settles them idempotently from verifications and webhooks.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"estateledger/internal/common/events"
	"estateledger/internal/common/metrics"
	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
	"estateledger/internal/notify"
)

// Failure reasons recorded on transactions.
const (
	ReasonExpired        = "expired"
	ReasonAmountMismatch = "amount mismatch"
	ReasonDeclined       = "declined by provider"
)

// Service is the payment manager.
type Service struct {
	store     store.Store
	gateways  *gateway.Registry
	publisher events.EventPublisher
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time

	// relay, when set, receives verified callbacks instead of settling inline.
	relay events.EventPublisher
}

// NewService creates a new payment manager.
func NewService(st store.Store, gateways *gateway.Registry, publisher events.EventPublisher, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		gateways:  gateways,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// EnableAsyncCallbacks relays verified webhooks through relay; a consumer
// running HandleRelayedCallback settles them.
func (s *Service) EnableAsyncCallbacks(relay events.EventPublisher) {
	s.relay = relay
}

// Customer identifies the payer to the gateway.
type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Target names what a deposit pays for once it settles. Only the bill and
// recurring managers set it; caller metadata never selects one.
type Target struct {
	BillID             string
	BillNumber         string
	RecurringPaymentID string
}

func (t Target) metadata() domain.Metadata {
	if t.BillID == "" && t.RecurringPaymentID == "" {
		return nil
	}
	m := domain.Metadata{domain.MetaPaymentMethod: ledger.MethodDirect}
	if t.BillID != "" {
		m[domain.MetaBillID] = t.BillID
	}
	if t.BillNumber != "" {
		m[domain.MetaBillNumber] = t.BillNumber
	}
	if t.RecurringPaymentID != "" {
		m[domain.MetaRecurringPaymentID] = t.RecurringPaymentID
	}
	return m
}

// CreateTransactionRequest opens a pending gateway transaction.
type CreateTransactionRequest struct {
	TenantID    string
	UserID      string
	Amount      money.Amount
	Description string
	Provider    domain.Provider
	Type        domain.TransactionType
	Metadata    domain.Metadata
	Target      Target
}

// CreatePaymentTransaction opens a pending deposit on the user's wallet. No
// balance changes. Reserved keys in req.Metadata are dropped; what the deposit
// pays for comes from req.Target alone.
func (s *Service) CreatePaymentTransaction(ctx context.Context, req CreateTransactionRequest) (*domain.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.Validationf("amount must be greater than zero")
	}
	if req.Type == "" {
		req.Type = domain.TransactionDeposit
	}
	if req.Type != domain.TransactionDeposit {
		return nil, domain.Validationf("gateway transactions are deposits, got %q", req.Type)
	}
	adapter, err := s.gateways.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	meta := req.Metadata.Without(domain.ReservedMetadataKeys...).Merge(req.Target.metadata())

	var t *domain.Transaction
	evts, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		w, err := u.EnsureWallet(ctx, req.TenantID, req.UserID)
		if err != nil {
			return err
		}
		t, err = domain.NewTransaction(ledger.NewID(), w, req.Type, req.Amount, adapter.Provider(), req.Description, meta, u.Now)
		if err != nil {
			return err
		}
		return u.Tx.CreateTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)

	s.logger.Info("payment transaction created",
		"transaction_id", t.TransactionID,
		"provider", t.Provider,
		"amount", t.Amount.String(),
	)
	return t, nil
}

// InitializePayment opens the provider checkout for a pending transaction. The
// gateway is called outside any store transaction; a failure marks the
// transaction failed.
func (s *Service) InitializePayment(ctx context.Context, tenantID, transactionID string, customer Customer, callbackURL string) (*gateway.Initialization, error) {
	t, err := s.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TransactionPending {
		return nil, domain.Conflictf("transaction %s is %s", t.TransactionID, t.Status)
	}
	if t.ProviderReference != "" && t.AuthorizationURL != "" {
		return &gateway.Initialization{AuthorizationURL: t.AuthorizationURL, Reference: t.ProviderReference}, nil
	}
	adapter, err := s.gateways.Get(t.Provider)
	if err != nil {
		return nil, err
	}

	checkout, err := adapter.Initialize(ctx, gateway.InitializeRequest{
		Reference:   t.TransactionID,
		Amount:      t.Amount,
		Currency:    t.Currency,
		Email:       customer.Email,
		Name:        customer.Name,
		Phone:       customer.Phone,
		CallbackURL: callbackURL,
		Metadata: map[string]string{
			"transaction_id": t.TransactionID,
			"tenant_id":      t.TenantID,
			"user_id":        t.UserID,
		},
	})
	if err != nil {
		if _, ferr := s.fail(ctx, t.TenantID, t.TransactionID, err.Error()); ferr != nil {
			s.logger.Error("failed to mark transaction failed", "transaction_id", t.TransactionID, "error", ferr)
		}
		return nil, fmt.Errorf("initializing payment %s: %w", t.TransactionID, err)
	}
	reference := checkout.Reference
	if reference == "" {
		reference = t.TransactionID
	}

	evts, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		locked, err := u.Tx.LockTransaction(ctx, tenantID, transactionID)
		if err != nil {
			return err
		}
		if locked.Status != domain.TransactionPending {
			return domain.Conflictf("transaction %s is %s", locked.TransactionID, locked.Status)
		}
		locked.ProviderReference = reference
		locked.AuthorizationURL = checkout.AuthorizationURL
		locked.UpdatedAt = u.Now
		if err := u.Tx.UpdateTransaction(ctx, locked); err != nil {
			return err
		}
		u.Emit(events.EventPaymentInitialized, locked.TenantID, "transaction", locked.TransactionID, paymentData(locked))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)

	s.logger.Info("payment initialized",
		"transaction_id", t.TransactionID,
		"provider", t.Provider,
		"reference", reference,
	)
	checkout.Reference = reference
	return checkout, nil
}

// DepositRequest creates and initializes a gateway deposit in one call.
type DepositRequest struct {
	TenantID    string
	UserID      string
	Amount      money.Amount
	Provider    domain.Provider
	Description string
	Metadata    domain.Metadata
	Target      Target
	Customer    Customer
	CallbackURL string
}

// Deposit creates a pending deposit and opens its checkout.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*domain.Transaction, *gateway.Initialization, error) {
	t, err := s.CreatePaymentTransaction(ctx, CreateTransactionRequest{
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Description: req.Description,
		Provider:    req.Provider,
		Type:        domain.TransactionDeposit,
		Metadata:    req.Metadata,
		Target:      req.Target,
	})
	if err != nil {
		return nil, nil, err
	}
	checkout, err := s.InitializePayment(ctx, req.TenantID, t.TransactionID, req.Customer, req.CallbackURL)
	if err != nil {
		return t, nil, err
	}
	return t, checkout, nil
}

// GetTransaction returns a transaction by its TXN- id.
func (s *Service) GetTransaction(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, tenantID, transactionID)
}

// Receipt returns the receipt of a completed transaction.
func (s *Service) Receipt(ctx context.Context, tenantID, transactionID string) (*domain.Receipt, error) {
	t, err := s.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	return t.Receipt()
}

func (s *Service) fail(ctx context.Context, tenantID, transactionID, reason string) (*domain.Transaction, error) {
	var (
		t      *domain.Transaction
		failed bool
		change *ledger.RecurringChange
	)
	evts, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		failed, change = false, nil

		var err error
		t, err = u.Tx.LockTransaction(ctx, tenantID, transactionID)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			return nil
		}
		f, err := lockFollowUp(ctx, u, t)
		if err != nil {
			return err
		}
		if err := t.MarkFailed(reason, u.Now); err != nil {
			return err
		}
		if err := u.Tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		u.Emit(events.EventPaymentFailed, t.TenantID, "transaction", t.TransactionID, paymentData(t))
		if change, err = f.book(ctx, u, false); err != nil {
			return err
		}
		failed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)
	if failed {
		s.notifyFailure(ctx, t)
		s.recurringBooked(ctx, change)
	}
	return t, nil
}

func paymentData(t *domain.Transaction) events.PaymentData {
	return events.PaymentData{
		TransactionID:     t.TransactionID,
		UserID:            t.UserID,
		Provider:          string(t.Provider),
		ProviderReference: t.ProviderReference,
		Amount:            t.Amount.String(),
		Currency:          string(t.Currency),
		Status:            string(t.Status),
		FailureReason:     t.FailureReason,
	}
}

func (s *Service) notifyFailure(ctx context.Context, t *domain.Transaction) {
	s.notifier.Notify(ctx, notify.Notification{
		Kind:     notify.KindPaymentFailed,
		TenantID: t.TenantID,
		UserIDs:  []string{t.UserID},
		Subject:  "Payment failed",
		Data: map[string]string{
			"transaction_id": t.TransactionID,
			"amount":         t.Amount.String(),
			"reason":         t.FailureReason,
		},
	})
}

// isDomainRefusal reports whether err is a routine refusal raised before any write.
func isDomainRefusal(err error) bool {
	return errors.Is(err, domain.ErrNotPayable) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrStateConflict) ||
		errors.Is(err, domain.ErrInsufficientFunds)
}

func (s *Service) observe(provider domain.Provider, outcome string) {
	metrics.ObserveFinalization(string(provider), outcome)
}
