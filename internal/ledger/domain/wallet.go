package domain

import (
	"time"

	"estateledger/internal/common/money"
)

// ClusterWalletUserID is the sentinel user id owning a tenant's cluster wallet.
const ClusterWalletUserID = "00000000-0000-0000-0000-000000000000"

// WalletStatus represents the status of a wallet
type WalletStatus string

const (
	WalletStatusActive    WalletStatus = "active"
	WalletStatusSuspended WalletStatus = "suspended"
	WalletStatusClosed    WalletStatus = "closed"
)

// Valid reports whether s is a known wallet status.
func (s WalletStatus) Valid() bool {
	switch s {
	case WalletStatusActive, WalletStatusSuspended, WalletStatusClosed:
		return true
	}
	return false
}

// Wallet holds a balance for a user, or for a tenant when UserID is ClusterWalletUserID.
type Wallet struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	UserID            string         `json:"user_id"`
	Balance           money.Amount   `json:"balance"`
	AvailableBalance  money.Amount   `json:"available_balance"`
	Currency          money.Currency `json:"currency"`
	Status            WalletStatus   `json:"status"`
	PINSet            bool           `json:"pin_set"`
	PINHash           string         `json:"-"`
	LastTransactionAt *time.Time     `json:"last_transaction_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewWallet creates an empty active wallet.
func NewWallet(id, tenantID, userID string, currency money.Currency, now time.Time) (*Wallet, error) {
	if id == "" || tenantID == "" || userID == "" {
		return nil, Validationf("wallet id, tenant_id and user_id are required")
	}
	if currency == "" {
		currency = money.DefaultCurrency
	}
	if !currency.Valid() {
		return nil, Validationf("unsupported currency %q", currency)
	}
	return &Wallet{
		ID:        id,
		TenantID:  tenantID,
		UserID:    userID,
		Currency:  currency,
		Status:    WalletStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsClusterWallet reports whether this is the tenant-level wallet.
func (w *Wallet) IsClusterWallet() bool {
	return w.UserID == ClusterWalletUserID
}

// HeldAmount is the part of the balance that is not spendable.
func (w *Wallet) HeldAmount() money.Amount {
	return w.Balance - w.AvailableBalance
}

// Credit adds amount to both balances.
func (w *Wallet) Credit(amount money.Amount, now time.Time) error {
	if !amount.IsPositive() {
		return Validationf("credit amount must be positive")
	}
	if w.Status == WalletStatusClosed {
		return Conflictf("wallet %s is closed", w.ID)
	}
	w.Balance += amount
	w.AvailableBalance += amount
	w.touch(now)
	return nil
}

// Debit removes amount from both balances; it never overdraws available funds.
func (w *Wallet) Debit(amount money.Amount, now time.Time) error {
	if !amount.IsPositive() {
		return Validationf("debit amount must be positive")
	}
	if w.Status != WalletStatusActive {
		return Conflictf("wallet %s is %s", w.ID, w.Status)
	}
	if amount > w.AvailableBalance {
		return &InsufficientFundsError{WalletID: w.ID, Available: w.AvailableBalance, Requested: amount}
	}
	w.Balance -= amount
	w.AvailableBalance -= amount
	w.touch(now)
	return nil
}

// Freeze moves amount from available to held.
func (w *Wallet) Freeze(amount money.Amount, now time.Time) error {
	if !amount.IsPositive() {
		return Validationf("freeze amount must be positive")
	}
	if amount > w.AvailableBalance {
		return &InsufficientFundsError{WalletID: w.ID, Available: w.AvailableBalance, Requested: amount}
	}
	w.AvailableBalance -= amount
	w.UpdatedAt = now
	return nil
}

// Unfreeze releases previously held funds back to available.
func (w *Wallet) Unfreeze(amount money.Amount, now time.Time) error {
	if !amount.IsPositive() {
		return Validationf("unfreeze amount must be positive")
	}
	if amount > w.HeldAmount() {
		return Conflictf("cannot release %s, only %s is held", amount, w.HeldAmount())
	}
	w.AvailableBalance += amount
	w.UpdatedAt = now
	return nil
}

// Apply posts a completed transaction's signed amount to the wallet.
func (w *Wallet) Apply(t *Transaction, now time.Time) error {
	if t.Type.IsCredit() {
		return w.Credit(t.Amount, now)
	}
	return w.Debit(t.Amount, now)
}

func (w *Wallet) touch(now time.Time) {
	w.LastTransactionAt = &now
	w.UpdatedAt = now
}

// BalanceSummary is the read model returned for wallet balance queries.
type BalanceSummary struct {
	WalletID          string         `json:"wallet_id"`
	Balance           money.Amount   `json:"balance"`
	AvailableBalance  money.Amount   `json:"available_balance"`
	HeldAmount        money.Amount   `json:"held_amount"`
	Currency          money.Currency `json:"currency"`
	Status            string         `json:"status"`
	PINSet            bool           `json:"pin_set"`
	LastTransactionAt *time.Time     `json:"last_transaction_at,omitempty"`
}

// Summary builds the balance view of the wallet.
func (w *Wallet) Summary() BalanceSummary {
	return BalanceSummary{
		WalletID:          w.ID,
		Balance:           w.Balance,
		AvailableBalance:  w.AvailableBalance,
		HeldAmount:        w.HeldAmount(),
		Currency:          w.Currency,
		Status:            string(w.Status),
		PINSet:            w.PINSet,
		LastTransactionAt: w.LastTransactionAt,
	}
}
