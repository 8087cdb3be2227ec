package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
)

// PINLength is the number of digits in a wallet PIN.
const PINLength = 4

// Service provides wallet operations: balances, history, PINs and holds.
type Service struct {
	store     store.Store
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new wallet service
func NewService(st store.Store, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock. Used by tests and the scheduler.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetOrCreateWallet returns the user's wallet, creating an empty one on first use.
func (s *Service) GetOrCreateWallet(ctx context.Context, tenantID, userID string) (*domain.Wallet, error) {
	if tenantID == "" || userID == "" {
		return nil, domain.Validationf("tenant_id and user_id are required")
	}
	w, err := s.store.GetWallet(ctx, tenantID, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	evts, err := Atomic(ctx, s.store, s.now(), func(u *Unit) error {
		var ensureErr error
		w, ensureErr = u.EnsureWallet(ctx, tenantID, userID)
		return ensureErr
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)
	return w, nil
}

// Balance returns the balance view of the user's wallet.
func (s *Service) Balance(ctx context.Context, tenantID, userID string) (domain.BalanceSummary, error) {
	w, err := s.GetOrCreateWallet(ctx, tenantID, userID)
	if err != nil {
		return domain.BalanceSummary{}, err
	}
	return w.Summary(), nil
}

// HistoryFilter narrows a wallet's transaction history.
type HistoryFilter struct {
	TenantID  string
	UserID    string
	Type      domain.TransactionType
	Status    domain.TransactionStatus
	From      *time.Time
	To        *time.Time
	MinAmount money.Amount
	MaxAmount money.Amount
	Limit     int
	Offset    int
}

// History lists the user's transactions, newest first. A user without a wallet has no history.
func (s *Service) History(ctx context.Context, f HistoryFilter) ([]*domain.Transaction, int64, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, domain.Validationf("unknown transaction type %q", f.Type)
	}
	if f.MinAmount > 0 && f.MaxAmount > 0 && f.MinAmount > f.MaxAmount {
		return nil, 0, domain.Validationf("min_amount is greater than max_amount")
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, 0, domain.Validationf("from is after to")
	}

	w, err := s.store.GetWallet(ctx, f.TenantID, f.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return []*domain.Transaction{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListTransactions(ctx, store.TransactionFilter{
		TenantID:  f.TenantID,
		WalletID:  w.ID,
		Type:      f.Type,
		Status:    f.Status,
		From:      f.From,
		To:        f.To,
		MinAmount: f.MinAmount,
		MaxAmount: f.MaxAmount,
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
}

func validPIN(pin string) bool {
	if len(pin) != PINLength {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SetPIN sets the wallet PIN. Changing an existing PIN requires the current one.
func (s *Service) SetPIN(ctx context.Context, tenantID, userID, pin, currentPIN string) error {
	if !validPIN(pin) {
		return domain.Validationf("pin must be exactly %d digits", PINLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing pin: %w", err)
	}

	evts, err := Atomic(ctx, s.store, s.now(), func(u *Unit) error {
		w, err := u.EnsureWallet(ctx, tenantID, userID)
		if err != nil {
			return err
		}
		if w.PINSet {
			if currentPIN == "" {
				return domain.Validationf("current_pin is required to change the pin")
			}
			if bcrypt.CompareHashAndPassword([]byte(w.PINHash), []byte(currentPIN)) != nil {
				return domain.Validationf("current pin is incorrect")
			}
		}
		w.PINHash = string(hash)
		w.PINSet = true
		w.UpdatedAt = u.Now
		return u.Tx.UpdateWallet(ctx, w)
	})
	if err != nil {
		return err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)

	s.logger.Info("wallet pin set", "tenant_id", tenantID, "user_id", userID)
	return nil
}

// VerifyPIN reports whether pin matches the wallet PIN.
func (s *Service) VerifyPIN(ctx context.Context, tenantID, userID, pin string) (bool, error) {
	w, err := s.store.GetWallet(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	if !w.PINSet {
		return false, domain.Conflictf("wallet %s has no pin", w.ID)
	}
	if !validPIN(pin) {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(w.PINHash), []byte(pin)) == nil, nil
}

// HoldRequest places or releases an operator hold on a user's funds.
type HoldRequest struct {
	TenantID   string
	UserID     string
	Amount     money.Amount
	Reason     string
	OperatorID string
}

// Freeze moves funds from available to held.
func (s *Service) Freeze(ctx context.Context, req HoldRequest) (domain.BalanceSummary, error) {
	return s.hold(ctx, req, true)
}

// Unfreeze releases held funds back to available.
func (s *Service) Unfreeze(ctx context.Context, req HoldRequest) (domain.BalanceSummary, error) {
	return s.hold(ctx, req, false)
}

func (s *Service) hold(ctx context.Context, req HoldRequest, freeze bool) (domain.BalanceSummary, error) {
	var summary domain.BalanceSummary
	_, err := Atomic(ctx, s.store, s.now(), func(u *Unit) error {
		w, err := u.Tx.LockWallet(ctx, req.TenantID, req.UserID)
		if err != nil {
			return err
		}
		if freeze {
			err = w.Freeze(req.Amount, u.Now)
		} else {
			err = w.Unfreeze(req.Amount, u.Now)
		}
		if err != nil {
			return err
		}
		summary = w.Summary()
		return u.Tx.UpdateWallet(ctx, w)
	})
	if err != nil {
		return domain.BalanceSummary{}, err
	}

	s.logger.Info("wallet hold changed",
		"wallet_id", summary.WalletID,
		"freeze", freeze,
		"amount", req.Amount.String(),
		"held", summary.HeldAmount.String(),
		"reason", req.Reason,
		"operator_id", req.OperatorID,
	)
	return summary, nil
}

// SetStatus changes the wallet status. Closed wallets stay closed.
func (s *Service) SetStatus(ctx context.Context, tenantID, userID string, status domain.WalletStatus) (domain.Outcome, error) {
	if !status.Valid() {
		return "", domain.Validationf("unknown wallet status %q", status)
	}
	var outcome domain.Outcome
	_, err := Atomic(ctx, s.store, s.now(), func(u *Unit) error {
		outcome = domain.OutcomeUnchanged
		w, err := u.Tx.LockWallet(ctx, tenantID, userID)
		if err != nil {
			return err
		}
		if w.Status == status {
			return nil
		}
		if w.Status == domain.WalletStatusClosed {
			return domain.Conflictf("wallet %s is closed", w.ID)
		}
		w.Status = status
		w.UpdatedAt = u.Now
		outcome = domain.OutcomeApplied
		return u.Tx.UpdateWallet(ctx, w)
	})
	if err != nil {
		return "", err
	}
	if outcome.Applied() {
		s.logger.Info("wallet status changed", "tenant_id", tenantID, "user_id", userID, "status", status)
	}
	return outcome, nil
}
