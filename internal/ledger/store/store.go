package store

import (
	"context"
	"time"

	"estateledger/internal/common/database"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
)

// ErrAlreadyExists is returned when a unique key is taken.
var ErrAlreadyExists = database.ErrAlreadyExists

// Store is the persistence boundary of the ledger. Lookups that find nothing
// return an error matching domain.ErrNotFound.
type Store interface {
	// Atomic runs fn inside one store transaction. Lock* methods are only
	// meaningful on the Store handed to fn.
	Atomic(ctx context.Context, fn func(tx Store) error) error

	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, tenantID, userID string) (*domain.Wallet, error)
	GetWalletByID(ctx context.Context, tenantID, walletID string) (*domain.Wallet, error)
	LockWallet(ctx context.Context, tenantID, userID string) (*domain.Wallet, error)
	UpdateWallet(ctx context.Context, w *domain.Wallet) error

	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error)
	LockTransaction(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error)
	LockTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*domain.Transaction, int64, error)
	ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Transaction, error)
	TransactionTotals(ctx context.Context, walletID string) (domain.TransactionTotals, error)

	CreateBill(ctx context.Context, b *domain.Bill) error
	GetBill(ctx context.Context, tenantID, billID string) (*domain.Bill, error)
	LockBill(ctx context.Context, tenantID, billID string) (*domain.Bill, error)
	UpdateBill(ctx context.Context, b *domain.Bill) error
	ListBills(ctx context.Context, f BillFilter) ([]*domain.Bill, int64, error)

	CreateRecurring(ctx context.Context, r *domain.RecurringPayment) error
	GetRecurring(ctx context.Context, tenantID, id string) (*domain.RecurringPayment, error)
	LockRecurring(ctx context.Context, tenantID, id string) (*domain.RecurringPayment, error)
	UpdateRecurring(ctx context.Context, r *domain.RecurringPayment) error
	ListRecurring(ctx context.Context, f RecurringFilter) ([]*domain.RecurringPayment, int64, error)
	ListDueRecurring(ctx context.Context, now time.Time, limit int) ([]*domain.RecurringPayment, error)
}

// TransactionFilter narrows ListTransactions. Zero fields match everything.
type TransactionFilter struct {
	TenantID  string
	WalletID  string
	Type      domain.TransactionType
	Status    domain.TransactionStatus
	Provider  domain.Provider
	Source    string
	From      *time.Time
	To        *time.Time
	MinAmount money.Amount
	MaxAmount money.Amount
	Limit     int
	Offset    int
}

// BillFilter narrows ListBills. An empty TenantID spans all tenants.
type BillFilter struct {
	TenantID string
	// VisibleTo restricts to bills of this user plus tenant-wide bills.
	VisibleTo string
	Status    domain.BillStatus
	Type      domain.BillType
	DueFrom   *time.Time
	DueTo     *time.Time
	// Now is the clock used to derive the overdue status.
	Now    time.Time
	Limit  int
	Offset int
}

// RecurringFilter narrows ListRecurring. An empty TenantID spans all tenants.
type RecurringFilter struct {
	TenantID string
	UserID   string
	Status   domain.RecurringStatus
	DueFrom  *time.Time
	DueTo    *time.Time
	Limit    int
	Offset   int
}

// DefaultLimit applies when a filter has no positive Limit.
const DefaultLimit = 50

// MaxLimit caps page sizes.
const MaxLimit = 500

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// billMatches reports whether b passes f, deriving the status at f.Now.
func billMatches(b *domain.Bill, f BillFilter) bool {
	if f.TenantID != "" && b.TenantID != f.TenantID {
		return false
	}
	if f.VisibleTo != "" && !b.VisibleTo(f.VisibleTo) {
		return false
	}
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	if f.DueFrom != nil && b.DueDate.Before(*f.DueFrom) {
		return false
	}
	if f.DueTo != nil && b.DueDate.After(*f.DueTo) {
		return false
	}
	if f.Status != "" && b.DeriveStatus(f.Now) != f.Status {
		return false
	}
	return true
}
