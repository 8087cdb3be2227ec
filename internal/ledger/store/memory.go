package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"estateledger/internal/ledger/domain"
)

type memState struct {
	wallets      map[string]*domain.Wallet
	transactions map[string]*domain.Transaction
	bills        map[string]*domain.Bill
	recurring    map[string]*domain.RecurringPayment
}

func newMemState() *memState {
	return &memState{
		wallets:      make(map[string]*domain.Wallet),
		transactions: make(map[string]*domain.Transaction),
		bills:        make(map[string]*domain.Bill),
		recurring:    make(map[string]*domain.RecurringPayment),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, w := range s.wallets {
		c.wallets[k] = cloneWallet(w)
	}
	for k, t := range s.transactions {
		c.transactions[k] = cloneTransaction(t)
	}
	for k, b := range s.bills {
		c.bills[k] = b.Clone()
	}
	for k, r := range s.recurring {
		c.recurring[k] = r.Clone()
	}
	return c
}

func cloneWallet(w *domain.Wallet) *domain.Wallet {
	cp := *w
	return &cp
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	cp := *t
	cp.Metadata = t.Metadata.Clone()
	return &cp
}

// Memory is an in-process Store. Every Atomic unit holds one mutex and rolls
// back to a snapshot when fn fails, so readers never see partial writes.
type Memory struct {
	mu    *sync.Mutex
	state **memState
	inTx  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	st := newMemState()
	return &Memory{mu: &sync.Mutex{}, state: &st}
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) st() *memState {
	return *m.state
}

// Atomic snapshots the state, runs fn and restores the snapshot on error or panic.
func (m *Memory) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st().clone()
	committed := false
	defer func() {
		if !committed {
			*m.state = snapshot
		}
	}()

	if err := fn(&Memory{mu: m.mu, state: m.state, inTx: true}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *Memory) CreateWallet(_ context.Context, w *domain.Wallet) error {
	defer m.lock()()
	for _, existing := range m.st().wallets {
		if existing.TenantID == w.TenantID && existing.UserID == w.UserID {
			return fmt.Errorf("wallet for user %s: %w", w.UserID, ErrAlreadyExists)
		}
	}
	m.st().wallets[w.ID] = cloneWallet(w)
	return nil
}

func (m *Memory) findWallet(tenantID, userID string) (*domain.Wallet, error) {
	for _, w := range m.st().wallets {
		if w.TenantID == tenantID && w.UserID == userID {
			return cloneWallet(w), nil
		}
	}
	return nil, domain.NotFoundf("wallet")
}

func (m *Memory) GetWallet(_ context.Context, tenantID, userID string) (*domain.Wallet, error) {
	defer m.lock()()
	return m.findWallet(tenantID, userID)
}

func (m *Memory) GetWalletByID(_ context.Context, tenantID, walletID string) (*domain.Wallet, error) {
	defer m.lock()()
	w, ok := m.st().wallets[walletID]
	if !ok || w.TenantID != tenantID {
		return nil, domain.NotFoundf("wallet")
	}
	return cloneWallet(w), nil
}

func (m *Memory) LockWallet(ctx context.Context, tenantID, userID string) (*domain.Wallet, error) {
	return m.GetWallet(ctx, tenantID, userID)
}

func (m *Memory) UpdateWallet(_ context.Context, w *domain.Wallet) error {
	defer m.lock()()
	if _, ok := m.st().wallets[w.ID]; !ok {
		return domain.NotFoundf("wallet %s", w.ID)
	}
	m.st().wallets[w.ID] = cloneWallet(w)
	return nil
}

func (m *Memory) CreateTransaction(_ context.Context, t *domain.Transaction) error {
	defer m.lock()()
	for _, existing := range m.st().transactions {
		if existing.TransactionID == t.TransactionID ||
			(t.ProviderReference != "" && existing.ProviderReference == t.ProviderReference) {
			return fmt.Errorf("transaction %s: %w", t.TransactionID, ErrAlreadyExists)
		}
	}
	m.st().transactions[t.ID] = cloneTransaction(t)
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, tenantID, transactionID string) (*domain.Transaction, error) {
	defer m.lock()()
	for _, t := range m.st().transactions {
		if t.TenantID == tenantID && t.TransactionID == transactionID {
			return cloneTransaction(t), nil
		}
	}
	return nil, domain.NotFoundf("transaction")
}

func (m *Memory) LockTransaction(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error) {
	return m.GetTransaction(ctx, tenantID, transactionID)
}

func (m *Memory) LockTransactionByReference(_ context.Context, reference string) (*domain.Transaction, error) {
	defer m.lock()()
	if reference != "" {
		for _, t := range m.st().transactions {
			if t.ProviderReference == reference {
				return cloneTransaction(t), nil
			}
		}
	}
	return nil, domain.NotFoundf("transaction")
}

func (m *Memory) UpdateTransaction(_ context.Context, t *domain.Transaction) error {
	defer m.lock()()
	if _, ok := m.st().transactions[t.ID]; !ok {
		return domain.NotFoundf("transaction %s", t.TransactionID)
	}
	if t.ProviderReference != "" {
		for id, existing := range m.st().transactions {
			if id != t.ID && existing.ProviderReference == t.ProviderReference {
				return fmt.Errorf("provider reference %s: %w", t.ProviderReference, ErrAlreadyExists)
			}
		}
	}
	m.st().transactions[t.ID] = cloneTransaction(t)
	return nil
}

func transactionMatches(t *domain.Transaction, f TransactionFilter) bool {
	switch {
	case f.TenantID != "" && t.TenantID != f.TenantID,
		f.WalletID != "" && t.WalletID != f.WalletID,
		f.Type != "" && t.Type != f.Type,
		f.Status != "" && t.Status != f.Status,
		f.Provider != "" && t.Provider != f.Provider,
		f.Source != "" && t.Metadata.String(domain.MetaSource) != f.Source,
		f.From != nil && t.CreatedAt.Before(*f.From),
		f.To != nil && t.CreatedAt.After(*f.To),
		f.MinAmount > 0 && t.Amount < f.MinAmount,
		f.MaxAmount > 0 && t.Amount > f.MaxAmount:
		return false
	}
	return true
}

func (m *Memory) ListTransactions(_ context.Context, f TransactionFilter) ([]*domain.Transaction, int64, error) {
	defer m.lock()()
	var out []*domain.Transaction
	for _, t := range m.st().transactions {
		if transactionMatches(t, f) {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Limit, f.Offset), int64(len(out)), nil
}

func (m *Memory) ListPendingTransactions(_ context.Context, createdBefore time.Time, limit int) ([]*domain.Transaction, error) {
	defer m.lock()()
	var out []*domain.Transaction
	for _, t := range m.st().transactions {
		if t.Status == domain.TransactionPending && t.CreatedAt.Before(createdBefore) {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, limit, 0), nil
}

func (m *Memory) TransactionTotals(_ context.Context, walletID string) (domain.TransactionTotals, error) {
	defer m.lock()()
	var totals domain.TransactionTotals
	for _, t := range m.st().transactions {
		if t.WalletID != walletID || t.Status != domain.TransactionCompleted {
			continue
		}
		totals.Count++
		if !t.Type.IsCredit() {
			totals.Withdrawals += t.Amount
			continue
		}
		totals.Deposits += t.Amount
		if t.Metadata.String(domain.MetaSource) == "bill_payment" {
			totals.BillPaymentRevenue += t.Amount
			totals.BillPaymentCount++
		}
	}
	return totals, nil
}

func (m *Memory) CreateBill(_ context.Context, b *domain.Bill) error {
	defer m.lock()()
	for _, existing := range m.st().bills {
		if existing.BillNumber == b.BillNumber {
			return fmt.Errorf("bill %s: %w", b.BillNumber, ErrAlreadyExists)
		}
	}
	m.st().bills[b.ID] = b.Clone()
	return nil
}

func (m *Memory) GetBill(_ context.Context, tenantID, billID string) (*domain.Bill, error) {
	defer m.lock()()
	b, ok := m.st().bills[billID]
	if !ok || b.TenantID != tenantID {
		return nil, domain.NotFoundf("bill")
	}
	return b.Clone(), nil
}

func (m *Memory) LockBill(ctx context.Context, tenantID, billID string) (*domain.Bill, error) {
	return m.GetBill(ctx, tenantID, billID)
}

func (m *Memory) UpdateBill(_ context.Context, b *domain.Bill) error {
	defer m.lock()()
	if _, ok := m.st().bills[b.ID]; !ok {
		return domain.NotFoundf("bill %s", b.ID)
	}
	m.st().bills[b.ID] = b.Clone()
	return nil
}

func (m *Memory) ListBills(_ context.Context, f BillFilter) ([]*domain.Bill, int64, error) {
	defer m.lock()()
	if f.Now.IsZero() {
		f.Now = time.Now().UTC()
	}
	var out []*domain.Bill
	for _, b := range m.st().bills {
		if billMatches(b, f) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return paginate(out, f.Limit, f.Offset), int64(len(out)), nil
}

func (m *Memory) CreateRecurring(_ context.Context, r *domain.RecurringPayment) error {
	defer m.lock()()
	if _, ok := m.st().recurring[r.ID]; ok {
		return fmt.Errorf("recurring payment %s: %w", r.ID, ErrAlreadyExists)
	}
	m.st().recurring[r.ID] = r.Clone()
	return nil
}

func (m *Memory) GetRecurring(_ context.Context, tenantID, id string) (*domain.RecurringPayment, error) {
	defer m.lock()()
	r, ok := m.st().recurring[id]
	if !ok || r.TenantID != tenantID {
		return nil, domain.NotFoundf("recurring payment")
	}
	return r.Clone(), nil
}

func (m *Memory) LockRecurring(ctx context.Context, tenantID, id string) (*domain.RecurringPayment, error) {
	return m.GetRecurring(ctx, tenantID, id)
}

func (m *Memory) UpdateRecurring(_ context.Context, r *domain.RecurringPayment) error {
	defer m.lock()()
	if _, ok := m.st().recurring[r.ID]; !ok {
		return domain.NotFoundf("recurring payment %s", r.ID)
	}
	m.st().recurring[r.ID] = r.Clone()
	return nil
}

func recurringMatches(r *domain.RecurringPayment, f RecurringFilter) bool {
	switch {
	case f.TenantID != "" && r.TenantID != f.TenantID,
		f.UserID != "" && r.UserID != f.UserID,
		f.Status != "" && r.Status != f.Status,
		f.DueFrom != nil && r.NextPaymentDate.Before(*f.DueFrom),
		f.DueTo != nil && r.NextPaymentDate.After(*f.DueTo):
		return false
	}
	return true
}

func sortRecurring(out []*domain.RecurringPayment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextPaymentDate.Equal(out[j].NextPaymentDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextPaymentDate.Before(out[j].NextPaymentDate)
	})
}

func (m *Memory) ListRecurring(_ context.Context, f RecurringFilter) ([]*domain.RecurringPayment, int64, error) {
	defer m.lock()()
	var out []*domain.RecurringPayment
	for _, r := range m.st().recurring {
		if recurringMatches(r, f) {
			out = append(out, r.Clone())
		}
	}
	sortRecurring(out)
	return paginate(out, f.Limit, f.Offset), int64(len(out)), nil
}

func (m *Memory) ListDueRecurring(_ context.Context, now time.Time, limit int) ([]*domain.RecurringPayment, error) {
	defer m.lock()()
	var out []*domain.RecurringPayment
	for _, r := range m.st().recurring {
		if r.IsDue(now) {
			out = append(out, r.Clone())
		}
	}
	sortRecurring(out)
	return paginate(out, limit, 0), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

var _ Store = (*Memory)(nil)
