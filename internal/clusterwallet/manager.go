// Package clusterwallet manages each tenant's cluster wallet, which collects
// bill revenue and pays it out.
package clusterwallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
)

// StatusNotCreated is reported for tenants whose cluster wallet does not exist yet.
const StatusNotCreated = "not_created"

// Metadata values written on cluster wallet movements.
const (
	CreditTypeManual          = "manual"
	TransferClusterWithdrawal = "cluster_withdrawal"
	DefaultCreditSource       = "manual_credit"
)

// Manager is the cluster wallet manager.
type Manager struct {
	store     store.Store
	wallets   *ledger.Service
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a new cluster wallet manager
func NewManager(st store.Store, wallets *ledger.Service, publisher events.EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		wallets:   wallets,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the manager clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Balance returns the balance view of the tenant's cluster wallet without creating it.
func (m *Manager) Balance(ctx context.Context, tenantID string) (domain.BalanceSummary, error) {
	w, err := m.store.GetWallet(ctx, tenantID, domain.ClusterWalletUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.BalanceSummary{Currency: money.DefaultCurrency, Status: StatusNotCreated}, nil
	}
	if err != nil {
		return domain.BalanceSummary{}, err
	}
	return w.Summary(), nil
}

// Analytics summarizes the cluster wallet's completed transactions.
type Analytics struct {
	Balance            money.Amount `json:"balance"`
	TotalDeposits      money.Amount `json:"total_deposits"`
	TotalWithdrawals   money.Amount `json:"total_withdrawals"`
	Net                money.Amount `json:"net"`
	BillPaymentRevenue money.Amount `json:"bill_payment_revenue"`
	BillPaymentCount   int64        `json:"bill_payment_count"`
	TotalTransactions  int64        `json:"total_transactions"`
	LastTransactionAt  *time.Time   `json:"last_transaction_at,omitempty"`
}

// Analytics returns totals for the tenant's cluster wallet. A tenant without
// one gets zero totals.
func (m *Manager) Analytics(ctx context.Context, tenantID string) (Analytics, error) {
	w, err := m.store.GetWallet(ctx, tenantID, domain.ClusterWalletUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return Analytics{}, nil
	}
	if err != nil {
		return Analytics{}, err
	}
	totals, err := m.store.TransactionTotals(ctx, w.ID)
	if err != nil {
		return Analytics{}, fmt.Errorf("cluster wallet totals: %w", err)
	}
	return Analytics{
		Balance:            w.Balance,
		TotalDeposits:      totals.Deposits,
		TotalWithdrawals:   totals.Withdrawals,
		Net:                totals.Deposits - totals.Withdrawals,
		BillPaymentRevenue: totals.BillPaymentRevenue,
		BillPaymentCount:   totals.BillPaymentCount,
		TotalTransactions:  totals.Count,
		LastTransactionAt:  w.LastTransactionAt,
	}, nil
}

// ManualCreditRequest credits the cluster wallet outside of bill payments.
type ManualCreditRequest struct {
	TenantID    string
	Amount      money.Amount
	Description string
	Source      string
	AddedBy     string
}

// AddManualCredit records an operator credit, creating the wallet if needed.
func (m *Manager) AddManualCredit(ctx context.Context, req ManualCreditRequest) (*domain.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.Validationf("amount must be greater than zero")
	}
	if req.AddedBy == "" {
		return nil, domain.Validationf("added_by is required")
	}
	source := req.Source
	if source == "" {
		source = DefaultCreditSource
	}
	description := req.Description
	if strings.TrimSpace(description) == "" {
		description = "Manual credit"
	}

	var t *domain.Transaction
	evts, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		w, err := u.EnsureClusterWallet(ctx, req.TenantID)
		if err != nil {
			return err
		}
		t, err = u.Post(ctx, w, domain.TransactionDeposit, req.Amount, domain.ProviderManual, description, domain.Metadata{
			domain.MetaSource:     source,
			domain.MetaAddedBy:    req.AddedBy,
			domain.MetaCreditType: CreditTypeManual,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, m.publisher, m.logger, evts)

	m.logger.Info("cluster wallet credited",
		"tenant_id", req.TenantID,
		"transaction_id", t.TransactionID,
		"amount", t.Amount.String(),
		"added_by", req.AddedBy,
	)
	return t, nil
}

// TransferRequest pays funds out of the cluster wallet.
type TransferRequest struct {
	TenantID         string
	Amount           money.Amount
	Description      string
	RecipientAccount string
	TransferredBy    string
}

// Transfer withdraws from the cluster wallet. It never overdraws available funds.
func (m *Manager) Transfer(ctx context.Context, req TransferRequest) (*domain.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.Validationf("amount must be greater than zero")
	}
	if strings.TrimSpace(req.RecipientAccount) == "" {
		return nil, domain.Validationf("recipient_account is required")
	}
	if req.TransferredBy == "" {
		return nil, domain.Validationf("transferred_by is required")
	}
	description := req.Description
	if strings.TrimSpace(description) == "" {
		description = "Cluster wallet transfer"
	}

	var t *domain.Transaction
	evts, err := ledger.Atomic(ctx, m.store, m.now(), func(u *ledger.Unit) error {
		w, err := u.Tx.LockWallet(ctx, req.TenantID, domain.ClusterWalletUserID)
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.InsufficientFundsError{Requested: req.Amount}
		}
		if err != nil {
			return err
		}
		if req.Amount > w.AvailableBalance {
			return &domain.InsufficientFundsError{WalletID: w.ID, Available: w.AvailableBalance, Requested: req.Amount}
		}
		t, err = u.Post(ctx, w, domain.TransactionWithdrawal, req.Amount, domain.ProviderManual, description, domain.Metadata{
			domain.MetaTransferType:     TransferClusterWithdrawal,
			domain.MetaRecipientAccount: req.RecipientAccount,
			domain.MetaTransferredBy:    req.TransferredBy,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, m.publisher, m.logger, evts)

	m.logger.Info("cluster wallet transfer",
		"tenant_id", req.TenantID,
		"transaction_id", t.TransactionID,
		"amount", t.Amount.String(),
		"transferred_by", req.TransferredBy,
	)
	return t, nil
}

// RevenueByType is the bill revenue of one bill type.
type RevenueByType struct {
	BillType string       `json:"bill_type"`
	Amount   money.Amount `json:"amount"`
	Count    int          `json:"count"`
}

// RevenueSummary is bill revenue over a trailing window.
type RevenueSummary struct {
	Days   int             `json:"days"`
	From   time.Time       `json:"from"`
	To     time.Time       `json:"to"`
	Total  money.Amount    `json:"total"`
	Count  int             `json:"count"`
	ByType []RevenueByType `json:"by_type"`
}

// RevenueSummary groups bill payment revenue of the last days by bill type,
// largest first.
func (m *Manager) RevenueSummary(ctx context.Context, tenantID string, days int) (RevenueSummary, error) {
	if days <= 0 {
		days = 30
	}
	if days > 366 {
		return RevenueSummary{}, domain.Validationf("days must be at most 366")
	}
	to := m.now()
	from := to.AddDate(0, 0, -days)
	summary := RevenueSummary{Days: days, From: from, To: to, ByType: []RevenueByType{}}

	w, err := m.store.GetWallet(ctx, tenantID, domain.ClusterWalletUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return summary, nil
	}
	if err != nil {
		return summary, err
	}

	byType := map[string]*RevenueByType{}
	f := store.TransactionFilter{
		TenantID: tenantID,
		WalletID: w.ID,
		Type:     domain.TransactionDeposit,
		Status:   domain.TransactionCompleted,
		Source:   ledger.SourceBillPayment,
		From:     &from,
		To:       &to,
		Limit:    store.MaxLimit,
	}
	for {
		page, total, err := m.store.ListTransactions(ctx, f)
		if err != nil {
			return summary, fmt.Errorf("listing bill revenue: %w", err)
		}
		for _, t := range page {
			billType := t.Metadata.String(domain.MetaBillType)
			if billType == "" {
				billType = string(domain.BillOther)
			}
			r, ok := byType[billType]
			if !ok {
				r = &RevenueByType{BillType: billType}
				byType[billType] = r
			}
			r.Amount += t.Amount
			r.Count++
			summary.Total += t.Amount
			summary.Count++
		}
		f.Offset += len(page)
		if len(page) == 0 || int64(f.Offset) >= total {
			break
		}
	}

	for _, r := range byType {
		summary.ByType = append(summary.ByType, *r)
	}
	sort.Slice(summary.ByType, func(i, j int) bool {
		if summary.ByType[i].Amount == summary.ByType[j].Amount {
			return summary.ByType[i].BillType < summary.ByType[j].BillType
		}
		return summary.ByType[i].Amount > summary.ByType[j].Amount
	})
	return summary, nil
}

// Transactions lists the cluster wallet's transactions, newest first.
func (m *Manager) Transactions(ctx context.Context, f ledger.HistoryFilter) ([]*domain.Transaction, int64, error) {
	f.UserID = domain.ClusterWalletUserID
	return m.wallets.History(ctx, f)
}
