package clusterwallet

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	clock := func() time.Time { return testNow }
	wallets := ledger.NewService(st, events.NopPublisher{}, logger).WithClock(clock)
	return NewManager(st, wallets, events.NopPublisher{}, logger).WithClock(clock), st
}

// payBill funds userID and pays a fresh bill of the given type at when.
func payBill(t *testing.T, st store.Store, userID string, billType domain.BillType, amount string, when time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := ledger.Atomic(ctx, st, when, func(u *ledger.Unit) error {
		w, err := u.EnsureWallet(ctx, "t1", userID)
		if err != nil {
			return err
		}
		if _, err := u.Post(ctx, w, domain.TransactionDeposit, money.MustParse(amount), domain.ProviderManual, "top up", nil); err != nil {
			return err
		}
		b, err := domain.NewBill(ledger.NewID(), ledger.NewBillNumber(), domain.BillSpec{
			TenantID:             "t1",
			UserID:               userID,
			Title:                string(billType),
			Type:                 billType,
			Category:             domain.BillUserManaged,
			Amount:               money.MustParse(amount),
			DueDate:              when.AddDate(0, 0, 7),
			AllowPaymentAfterDue: true,
			CreatedBy:            "op",
		}, when)
		if err != nil {
			return err
		}
		if err := u.Tx.CreateBill(ctx, b); err != nil {
			return err
		}
		_, err = u.PayBill(ctx, w, b, b.Amount, ledger.MethodWallet, nil)
		return err
	})
	require.NoError(t, err)
}

func TestBalanceBeforeWalletExists(t *testing.T) {
	m, _ := newTestManager(t)
	bal, err := m.Balance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotCreated, bal.Status)
	assert.Equal(t, money.Amount(0), bal.Balance)

	a, err := m.Analytics(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Analytics{}, a)
}

func TestManualCreditAndTransfer(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	credit, err := m.AddManualCredit(ctx, ManualCreditRequest{TenantID: "t1", Amount: money.MustParse("500.00"), AddedBy: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionDeposit, credit.Type)
	assert.Equal(t, domain.TransactionCompleted, credit.Status)
	assert.Equal(t, CreditTypeManual, credit.Metadata.String(domain.MetaCreditType))
	assert.Equal(t, "op-1", credit.Metadata.String(domain.MetaAddedBy))
	assert.Equal(t, DefaultCreditSource, credit.Metadata.String(domain.MetaSource))

	_, err = m.Transfer(ctx, TransferRequest{TenantID: "t1", Amount: money.MustParse("600.00"), RecipientAccount: "NL01BANK", TransferredBy: "op-1"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	out, err := m.Transfer(ctx, TransferRequest{TenantID: "t1", Amount: money.MustParse("200.00"), RecipientAccount: "NL01BANK", TransferredBy: "op-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionWithdrawal, out.Type)
	assert.Equal(t, TransferClusterWithdrawal, out.Metadata.String(domain.MetaTransferType))
	assert.Equal(t, "NL01BANK", out.Metadata.String(domain.MetaRecipientAccount))
	assert.Equal(t, "op-2", out.Metadata.String(domain.MetaTransferredBy))

	bal, err := m.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("300.00"), bal.Balance)
	assert.Equal(t, string(domain.WalletStatusActive), bal.Status)
}

func TestTransferValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  TransferRequest
		want error
	}{
		{"zero amount", TransferRequest{TenantID: "t1", RecipientAccount: "X", TransferredBy: "op"}, domain.ErrValidation},
		{"no recipient", TransferRequest{TenantID: "t1", Amount: money.MustParse("1.00"), TransferredBy: "op"}, domain.ErrValidation},
		{"no operator", TransferRequest{TenantID: "t1", Amount: money.MustParse("1.00"), RecipientAccount: "X"}, domain.ErrValidation},
		{"no wallet yet", TransferRequest{TenantID: "t1", Amount: money.MustParse("1.00"), RecipientAccount: "X", TransferredBy: "op"}, domain.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Transfer(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := m.AddManualCredit(ctx, ManualCreditRequest{TenantID: "t1", Amount: money.MustParse("-1.00"), AddedBy: "op"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAnalyticsAndRevenue(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	payBill(t, st, "u1", domain.BillWater, "100.00", testNow.AddDate(0, 0, -3))
	payBill(t, st, "u2", domain.BillWater, "50.00", testNow.AddDate(0, 0, -1))
	payBill(t, st, "u1", domain.BillSecurity, "200.00", testNow.AddDate(0, 0, -2))
	payBill(t, st, "u3", domain.BillElectricity, "75.00", testNow.AddDate(0, 0, -60))

	_, err := m.AddManualCredit(ctx, ManualCreditRequest{TenantID: "t1", Amount: money.MustParse("10.00"), AddedBy: "op"})
	require.NoError(t, err)
	_, err = m.Transfer(ctx, TransferRequest{TenantID: "t1", Amount: money.MustParse("35.00"), RecipientAccount: "X", TransferredBy: "op"})
	require.NoError(t, err)

	a, err := m.Analytics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("435.00"), a.TotalDeposits)
	assert.Equal(t, money.MustParse("35.00"), a.TotalWithdrawals)
	assert.Equal(t, money.MustParse("400.00"), a.Net)
	assert.Equal(t, money.MustParse("400.00"), a.Balance)
	assert.Equal(t, money.MustParse("425.00"), a.BillPaymentRevenue)
	assert.EqualValues(t, 4, a.BillPaymentCount)
	assert.EqualValues(t, 6, a.TotalTransactions)
	require.NotNil(t, a.LastTransactionAt)

	rev, err := m.RevenueSummary(ctx, "t1", 30)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("350.00"), rev.Total)
	assert.Equal(t, 3, rev.Count)
	require.Len(t, rev.ByType, 2)
	assert.Equal(t, RevenueByType{BillType: string(domain.BillSecurity), Amount: money.MustParse("200.00"), Count: 1}, rev.ByType[0])
	assert.Equal(t, RevenueByType{BillType: string(domain.BillWater), Amount: money.MustParse("150.00"), Count: 2}, rev.ByType[1])

	_, err = m.RevenueSummary(ctx, "t1", 1000)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransactionsListsClusterWalletOnly(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	payBill(t, st, "u1", domain.BillWater, "100.00", testNow.AddDate(0, 0, -1))

	txns, total, err := m.Transactions(ctx, ledger.HistoryFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.SourceBillPayment, txns[0].Metadata.String(domain.MetaSource))

	txns, _, err = m.Transactions(ctx, ledger.HistoryFilter{TenantID: "t1", Type: domain.TransactionWithdrawal})
	require.NoError(t, err)
	assert.Empty(t, txns)
}
