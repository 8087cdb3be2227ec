package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/common/money"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestWallet(t *testing.T, balance string) *Wallet {
	t.Helper()
	w, err := NewWallet("w1", "tenant-1", "user-1", "", testNow)
	require.NoError(t, err)
	if balance != "0" {
		require.NoError(t, w.Credit(money.MustParse(balance), testNow))
	}
	return w
}

func newTestBill(t *testing.T, amount string, userID string) *Bill {
	t.Helper()
	category := BillTenantManaged
	if userID != "" {
		category = BillUserManaged
	}
	b, err := NewBill("b1", "BILL-0000000A", BillSpec{
		TenantID:             "tenant-1",
		UserID:               userID,
		Title:                "Security levy",
		Type:                 BillSecurity,
		Category:             category,
		Amount:               money.MustParse(amount),
		DueDate:              testNow.Add(72 * time.Hour),
		AllowPaymentAfterDue: true,
		CreatedBy:            "admin",
	}, testNow)
	require.NoError(t, err)
	return b
}

func TestWalletDebitNeverOverdraws(t *testing.T) {
	w := newTestWallet(t, "100.00")

	err := w.Debit(money.MustParse("100.01"), testNow)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	var ife *InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, money.MustParse("100.00"), ife.Available)
	assert.Equal(t, money.MustParse("100.00"), w.Balance)

	require.NoError(t, w.Debit(money.MustParse("100.00"), testNow))
	assert.Equal(t, money.Amount(0), w.Balance)
	assert.Equal(t, money.Amount(0), w.AvailableBalance)
}

func TestWalletHolds(t *testing.T) {
	w := newTestWallet(t, "50.00")

	require.NoError(t, w.Freeze(money.MustParse("20.00"), testNow))
	assert.Equal(t, money.MustParse("30.00"), w.AvailableBalance)
	assert.Equal(t, money.MustParse("20.00"), w.HeldAmount())

	require.ErrorIs(t, w.Debit(money.MustParse("40.00"), testNow), ErrInsufficientFunds)
	require.ErrorIs(t, w.Unfreeze(money.MustParse("25.00"), testNow), ErrStateConflict)

	require.NoError(t, w.Unfreeze(money.MustParse("20.00"), testNow))
	assert.Equal(t, w.Balance, w.AvailableBalance)
}

func TestWalletStatusGuards(t *testing.T) {
	w := newTestWallet(t, "10.00")

	w.Status = WalletStatusSuspended
	require.ErrorIs(t, w.Debit(money.MustParse("1.00"), testNow), ErrStateConflict)
	require.NoError(t, w.Credit(money.MustParse("1.00"), testNow))

	w.Status = WalletStatusClosed
	require.ErrorIs(t, w.Credit(money.MustParse("1.00"), testNow), ErrStateConflict)
}

func TestTransactionLifecycle(t *testing.T) {
	w := newTestWallet(t, "0")
	txn, err := NewTransaction("01HX", w, TransactionDeposit, money.MustParse("25.00"), ProviderPaystack, "top up", nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, "TXN-01HX", txn.TransactionID)
	assert.Equal(t, money.Amount(0), txn.SignedAmount())

	_, err = txn.Receipt()
	require.ErrorIs(t, err, ErrStateConflict)

	require.NoError(t, txn.MarkCompleted(testNow))
	assert.Equal(t, money.MustParse("25.00"), txn.SignedAmount())
	require.ErrorIs(t, txn.MarkFailed("late", testNow), ErrStateConflict)

	rcpt, err := txn.Receipt()
	require.NoError(t, err)
	assert.Equal(t, "RCP-TXN-01HX", rcpt.ReceiptNumber)

	_, err = NewTransaction("x", w, TransactionDeposit, 0, ProviderPaystack, "", nil, testNow)
	require.ErrorIs(t, err, ErrValidation)

	_, err = NewTransaction("x", w, TransactionDeposit, 100, ProviderPaystack, "", Metadata{"nested": map[string]any{}}, testNow)
	require.ErrorIs(t, err, ErrValidation)
}

func TestBillDerivedStatus(t *testing.T) {
	b := newTestBill(t, "100.00", "")
	assert.Equal(t, BillPending, b.Status)

	out, err := b.Acknowledge("user-1", testNow)
	require.NoError(t, err)
	assert.True(t, out.Applied())
	assert.Equal(t, BillAcknowledged, b.Status)

	out, err = b.Acknowledge("user-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)

	require.NoError(t, b.ApplyPayment(money.MustParse("40.00"), testNow))
	assert.Equal(t, BillPartiallyPaid, b.Status)

	later := b.DueDate.Add(time.Hour)
	b.Refresh(later)
	assert.Equal(t, BillOverdue, b.Status)

	require.NoError(t, b.ApplyPayment(money.MustParse("60.00"), later))
	assert.Equal(t, BillPaid, b.Status)
	require.NotNil(t, b.PaidAt)
	assert.True(t, b.IsFullyPaid())
	assert.False(t, b.IsOverdue(later))

	require.ErrorIs(t, b.ApplyPayment(money.MustParse("1.00"), later), ErrNotPayable)
}

func TestBillApplyPaymentBounds(t *testing.T) {
	b := newTestBill(t, "100.00", "")
	require.ErrorIs(t, b.ApplyPayment(money.MustParse("100.01"), testNow), ErrValidation)
	require.ErrorIs(t, b.ApplyPayment(0, testNow), ErrValidation)
	assert.Equal(t, money.Amount(0), b.PaidAmount)
}

func TestBillLatePaymentRefused(t *testing.T) {
	b := newTestBill(t, "100.00", "")
	b.AllowPaymentAfterDue = false
	later := b.DueDate.Add(time.Minute)
	require.ErrorIs(t, b.CheckPayable(later), ErrNotPayable)
	require.NoError(t, b.CheckPayable(testNow))
}

func TestBillDispute(t *testing.T) {
	b := newTestBill(t, "200.00", "")
	require.NoError(t, b.ApplyPayment(money.MustParse("50.00"), testNow))

	_, err := b.Dispute("user-1", "  ", testNow)
	require.ErrorIs(t, err, ErrValidation)

	out, err := b.Dispute("user-1", "meter reading is wrong", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, BillDisputed, b.Status)
	require.ErrorIs(t, b.CheckPayable(testNow), ErrNotPayable)

	out, err = b.Dispute("user-1", "again", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)

	assert.Equal(t, OutcomeApplied, b.ResolveDispute(testNow))
	assert.Equal(t, BillPartiallyPaid, b.Status)

	overdue := newTestBill(t, "10.00", "")
	_, err = overdue.Dispute("user-1", "too late", overdue.DueDate.Add(time.Hour))
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestUserManagedBillVisibility(t *testing.T) {
	b := newTestBill(t, "10.00", "owner")

	_, err := b.Acknowledge("intruder", testNow)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, b.CheckPayer("intruder"), ErrNotFound)
	require.ErrorIs(t, b.CheckPayer("owner"), ErrStateConflict)

	_, err = b.Acknowledge("owner", testNow)
	require.NoError(t, err)
	require.NoError(t, b.CheckPayer("owner"))
}

func TestBillCancel(t *testing.T) {
	b := newTestBill(t, "10.00", "")
	out, err := b.Cancel(testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, BillCancelled, b.Status)

	_, err = b.Acknowledge("user-1", testNow)
	require.ErrorIs(t, err, ErrStateConflict)

	assert.Equal(t, OutcomeApplied, b.Reopen(testNow))
	assert.Equal(t, BillPending, b.Status)

	require.NoError(t, b.ApplyPayment(money.MustParse("1.00"), testNow))
	_, err = b.Cancel(testNow)
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestBillsSummaryExclusiveCounts(t *testing.T) {
	paid := newTestBill(t, "10.00", "")
	require.NoError(t, paid.ApplyPayment(money.MustParse("10.00"), testNow))

	partial := newTestBill(t, "10.00", "")
	require.NoError(t, partial.ApplyPayment(money.MustParse("4.00"), testNow))

	disputed := newTestBill(t, "10.00", "")
	_, err := disputed.Dispute("user-1", "wrong", testNow)
	require.NoError(t, err)

	pending := newTestBill(t, "10.00", "")

	cancelled := newTestBill(t, "10.00", "")
	_, err = cancelled.Cancel(testNow)
	require.NoError(t, err)

	var s BillsSummary
	for _, b := range []*Bill{paid, partial, disputed, pending, cancelled} {
		s.Add(b, testNow)
	}
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Paid)
	assert.Equal(t, 2, s.Unpaid)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 0, s.Overdue)
	assert.Equal(t, s.Total, s.Paid+s.Unpaid+s.Pending+s.Overdue)
	assert.Equal(t, money.MustParse("40.00"), s.TotalAmount)
	assert.Equal(t, money.MustParse("14.00"), s.PaidAmount)
	assert.Equal(t, money.MustParse("26.00"), s.OutstandingAmount)
}

func TestFrequencyNextClampsMonths(t *testing.T) {
	jan31 := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		freq Frequency
		from time.Time
		want time.Time
	}{
		{FrequencyDaily, jan31, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
		{FrequencyWeekly, jan31, time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)},
		{FrequencyMonthly, jan31, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)},
		{FrequencyQuarterly, time.Date(2026, 11, 30, 9, 0, 0, 0, time.UTC), time.Date(2027, 2, 28, 9, 0, 0, 0, time.UTC)},
		{FrequencyYearly, time.Date(2028, 2, 29, 9, 0, 0, 0, time.UTC), time.Date(2029, 2, 28, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			got := tt.freq.Next(tt.from)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.from))
		})
	}
}

func newTestSchedule(t *testing.T, spec RecurringSpec) *RecurringPayment {
	t.Helper()
	if spec.TenantID == "" {
		spec.TenantID = "tenant-1"
	}
	spec.UserID = "user-1"
	spec.WalletID = "w1"
	if spec.Title == "" {
		spec.Title = "Estate dues"
	}
	if spec.Amount == 0 {
		spec.Amount = money.MustParse("10.00")
	}
	if spec.Frequency == "" {
		spec.Frequency = FrequencyMonthly
	}
	r, err := NewRecurringPayment("r1", spec, testNow)
	require.NoError(t, err)
	return r
}

func TestNewRecurringPaymentValidation(t *testing.T) {
	limit := money.MustParse("5.00")
	past := testNow.AddDate(0, 0, -1)
	tests := []struct {
		name string
		spec RecurringSpec
	}{
		{"zero amount", RecurringSpec{Amount: 0}},
		{"past start", RecurringSpec{Amount: 100, StartDate: past}},
		{"limit below amount", RecurringSpec{Amount: money.MustParse("10.00"), SpendingLimit: &limit}},
		{"direct without gateway", RecurringSpec{Amount: 100, PaymentSource: SourceDirect, Provider: ProviderWallet}},
		{"end before start", RecurringSpec{Amount: 100, EndDate: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.TenantID, spec.UserID, spec.WalletID = "tenant-1", "user-1", "w1"
			spec.Title, spec.Frequency = "dues", FrequencyMonthly
			_, err := NewRecurringPayment("r1", spec, testNow)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	r := newTestSchedule(t, RecurringSpec{})
	assert.Equal(t, testNow, r.NextPaymentDate)
	assert.Equal(t, DefaultMaxFailedAttempts, r.MaxFailedAttempts)
	assert.Equal(t, SourceWallet, r.PaymentSource)
}

func TestRecurringFailuresPauseAndResumeKeepsCount(t *testing.T) {
	r := newTestSchedule(t, RecurringSpec{})
	prev := r.NextPaymentDate

	assert.False(t, r.RecordFailure(testNow))
	assert.False(t, r.RecordFailure(testNow))
	assert.True(t, r.RecordFailure(testNow))
	assert.Equal(t, RecurringPaused, r.Status)
	assert.Equal(t, 3, r.FailedAttempts)
	assert.True(t, r.NextPaymentDate.After(prev))

	out, err := r.Resume(testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, 3, r.FailedAttempts)

	r.RecordSuccess(testNow)
	assert.Equal(t, 0, r.FailedAttempts)
	assert.Equal(t, 1, r.TotalPayments)
}

func TestRecurringCompletesAtMaxPayments(t *testing.T) {
	r := newTestSchedule(t, RecurringSpec{MaxPayments: 2, Frequency: FrequencyWeekly})
	r.RecordSuccess(testNow)
	assert.Equal(t, RecurringActive, r.Status)
	r.RecordSuccess(testNow)
	assert.Equal(t, RecurringCompleted, r.Status)

	_, err := r.Pause(testNow)
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestRecurringCompletesPastEndDate(t *testing.T) {
	end := testNow.AddDate(0, 0, 10)
	r := newTestSchedule(t, RecurringSpec{EndDate: &end, Frequency: FrequencyWeekly})
	r.RecordSuccess(testNow)
	assert.Equal(t, RecurringActive, r.Status)
	r.RecordFailure(testNow)
	assert.Equal(t, RecurringCompleted, r.Status)
}

func TestRecurringGatewayChargeBookedOnSettlement(t *testing.T) {
	r := newTestSchedule(t, RecurringSpec{MaxPayments: 1, MaxFailedAttempts: 2, Frequency: FrequencyWeekly})
	prev := r.NextPaymentDate

	r.Advance(testNow)
	assert.True(t, r.NextPaymentDate.After(prev))
	assert.Equal(t, RecurringActive, r.Status, "an opened charge does not count toward max_payments")
	assert.Equal(t, 0, r.TotalPayments)

	assert.False(t, r.SettleFailure(testNow))
	assert.Equal(t, 1, r.FailedAttempts)
	advanced := r.NextPaymentDate

	assert.True(t, r.SettleSuccess(testNow))
	assert.Equal(t, RecurringCompleted, r.Status)
	assert.Equal(t, 1, r.TotalPayments)
	assert.Equal(t, 0, r.FailedAttempts)
	assert.Equal(t, advanced, r.NextPaymentDate, "settling never moves the date")
}

func TestRecurringSettleFailurePausesOnlyActive(t *testing.T) {
	r := newTestSchedule(t, RecurringSpec{MaxFailedAttempts: 1})
	assert.True(t, r.SettleFailure(testNow))
	assert.Equal(t, RecurringPaused, r.Status)

	assert.False(t, r.SettleFailure(testNow))
	assert.Equal(t, 2, r.FailedAttempts)
	assert.Equal(t, RecurringPaused, r.Status)
}

func TestMetadataWithout(t *testing.T) {
	m := Metadata{MetaBillID: "b1", MetaRecurringPaymentID: "r1", "note": "rent"}
	got := m.Without(ReservedMetadataKeys...)
	assert.Equal(t, Metadata{"note": "rent"}, got)
	assert.Len(t, m, 3, "the receiver is not modified")
	assert.Nil(t, Metadata(nil).Without(MetaBillID))
}

func TestRecurringTransitions(t *testing.T) {
	r := newTestSchedule(t, RecurringSpec{})

	out, err := r.Resume(testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)

	out, err = r.Pause(testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	out, err = r.Pause(testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)

	out, err = r.Cancel(testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	out, err = r.Cancel(testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)

	_, err = r.Resume(testNow)
	require.ErrorIs(t, err, ErrStateConflict)
	require.ErrorIs(t, r.ApplyUpdate(RecurringUpdate{}, testNow), ErrStateConflict)
}

func TestRecurringApplyUpdate(t *testing.T) {
	limit := money.MustParse("15.00")
	r := newTestSchedule(t, RecurringSpec{SpendingLimit: &limit})

	tooMuch := money.MustParse("20.00")
	require.ErrorIs(t, r.ApplyUpdate(RecurringUpdate{Amount: &tooMuch}, testNow), ErrValidation)
	assert.Equal(t, money.MustParse("10.00"), r.Amount)

	past := testNow.Add(-time.Hour)
	require.ErrorIs(t, r.ApplyUpdate(RecurringUpdate{NextPaymentDate: &past}, testNow), ErrValidation)

	ok := money.MustParse("12.50")
	require.NoError(t, r.ApplyUpdate(RecurringUpdate{Amount: &ok}, testNow))
	assert.Equal(t, ok, r.Amount)
}

func TestMonthlyEquivalent(t *testing.T) {
	tests := []struct {
		frequency Frequency
		amount    string
		want      string
	}{
		{FrequencyDaily, "12.00", "365.00"},
		{FrequencyWeekly, "12.00", "52.00"},
		{FrequencyMonthly, "12.00", "12.00"},
		{FrequencyQuarterly, "30.00", "10.00"},
		{FrequencyYearly, "120.00", "10.00"},
	}
	for _, tt := range tests {
		t.Run(string(tt.frequency), func(t *testing.T) {
			r := newTestSchedule(t, RecurringSpec{Amount: money.MustParse(tt.amount), Frequency: tt.frequency})
			assert.Equal(t, money.MustParse(tt.want), r.MonthlyEquivalent())
		})
	}
}

func TestRecurringSummary(t *testing.T) {
	monthly := newTestSchedule(t, RecurringSpec{Amount: money.MustParse("30.00")})
	yearly := newTestSchedule(t, RecurringSpec{Amount: money.MustParse("120.00"), Frequency: FrequencyYearly, StartDate: testNow.AddDate(0, 0, 2)})
	paused := newTestSchedule(t, RecurringSpec{})
	_, err := paused.Pause(testNow)
	require.NoError(t, err)

	var s RecurringSummary
	for _, r := range []*RecurringPayment{monthly, yearly, paused} {
		s.Add(r)
	}
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.Paused)
	assert.Equal(t, money.MustParse("40.00"), s.MonthlyAmount)
	require.NotNil(t, s.NextPaymentDate)
	assert.Equal(t, testNow, *s.NextPaymentDate)
}
