package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
)

// NewID returns a new entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewBillNumber returns a "BILL-" number with 8 upper-case hex digits.
func NewBillNumber() string {
	e := ulid.Make().Entropy()
	return fmt.Sprintf("BILL-%X", e[len(e)-4:])
}

// Unit is one atomic posting. It wraps the store handed to Store.Atomic and
// collects the domain events to publish once the unit has committed.
type Unit struct {
	Tx  store.Store
	Now time.Time

	events []*events.Event
	logger *slog.Logger
}

// Atomic runs fn in one store transaction and returns the events it emitted,
// stamped with the correlation ids carried by ctx. fn may run more than once
// when the store retries a serialization failure, so every attempt starts
// with an empty Unit.
func Atomic(ctx context.Context, st store.Store, now time.Time, fn func(u *Unit) error) ([]*events.Event, error) {
	var emitted []*events.Event
	err := st.Atomic(ctx, func(tx store.Store) error {
		u := &Unit{Tx: tx, Now: now, logger: slog.Default()}
		if err := fn(u); err != nil {
			return err
		}
		emitted = u.events
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.Correlate(ctx, emitted)
	return emitted, nil
}

// Emit queues an event for publication after commit. An event whose data
// cannot be encoded is logged and dropped; the unit still commits.
func (u *Unit) Emit(eventType, tenantID, aggregateType, aggregateID string, data any) {
	evt, err := events.NewEvent(eventType, tenantID, aggregateType, aggregateID, data)
	if err != nil {
		u.logger.Warn("event dropped",
			"type", eventType,
			"aggregate_type", aggregateType,
			"aggregate_id", aggregateID,
			"error", err,
		)
		return
	}
	u.events = append(u.events, evt)
}

// EnsureWallet locks the user's wallet, creating it on first use.
func (u *Unit) EnsureWallet(ctx context.Context, tenantID, userID string) (*domain.Wallet, error) {
	w, err := u.Tx.LockWallet(ctx, tenantID, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	w, err = domain.NewWallet(NewID(), tenantID, userID, money.DefaultCurrency, u.Now)
	if err != nil {
		return nil, err
	}
	if err := u.Tx.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return u.Tx.LockWallet(ctx, tenantID, userID)
		}
		return nil, fmt.Errorf("creating wallet: %w", err)
	}
	u.Emit(events.EventWalletCreated, tenantID, "wallet", w.ID, events.WalletCreatedData{
		WalletID: w.ID,
		UserID:   w.UserID,
		Currency: string(w.Currency),
	})
	return w, nil
}

// EnsureClusterWallet locks the tenant's cluster wallet, creating it on first use.
func (u *Unit) EnsureClusterWallet(ctx context.Context, tenantID string) (*domain.Wallet, error) {
	return u.EnsureWallet(ctx, tenantID, domain.ClusterWalletUserID)
}

// Post records a completed transaction against the locked wallet w and applies it.
// Nothing is written when the wallet refuses the movement.
func (u *Unit) Post(ctx context.Context, w *domain.Wallet, txType domain.TransactionType, amount money.Amount, provider domain.Provider, description string, meta domain.Metadata) (*domain.Transaction, error) {
	t, err := domain.NewTransaction(NewID(), w, txType, amount, provider, description, meta, u.Now)
	if err != nil {
		return nil, err
	}
	if err := w.Apply(t, u.Now); err != nil {
		return nil, err
	}
	if err := t.MarkCompleted(u.Now); err != nil {
		return nil, err
	}
	if err := u.Tx.UpdateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("updating wallet: %w", err)
	}
	if err := u.Tx.CreateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}
	u.emitMovement(w, t)
	return t, nil
}

// Settle completes a locked pending transaction and applies it to its locked wallet.
func (u *Unit) Settle(ctx context.Context, w *domain.Wallet, t *domain.Transaction) error {
	if t.WalletID != w.ID {
		return fmt.Errorf("transaction %s does not belong to wallet %s", t.TransactionID, w.ID)
	}
	if err := w.Apply(t, u.Now); err != nil {
		return err
	}
	if err := t.MarkCompleted(u.Now); err != nil {
		return err
	}
	if err := u.Tx.UpdateWallet(ctx, w); err != nil {
		return fmt.Errorf("updating wallet: %w", err)
	}
	if err := u.Tx.UpdateTransaction(ctx, t); err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	u.emitMovement(w, t)
	return nil
}

func (u *Unit) emitMovement(w *domain.Wallet, t *domain.Transaction) {
	eventType := events.EventWalletDebited
	if t.Type.IsCredit() {
		eventType = events.EventWalletCredited
	}
	u.Emit(eventType, w.TenantID, "wallet", w.ID, events.WalletMovementData{
		WalletID:         w.ID,
		TransactionID:    t.TransactionID,
		Type:             string(t.Type),
		Amount:           t.Amount.String(),
		Currency:         string(t.Currency),
		Balance:          w.Balance.String(),
		AvailableBalance: w.AvailableBalance.String(),
	})
}
