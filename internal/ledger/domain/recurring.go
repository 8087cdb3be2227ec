package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"estateledger/internal/common/money"
)

// DefaultMaxFailedAttempts pauses a schedule after this many consecutive failures.
const DefaultMaxFailedAttempts = 3

// Frequency is the interval between recurring payment attempts
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// Next returns t advanced by one unit. Month arithmetic clamps to the last day of the target month.
func (f Frequency) Next(t time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return addMonths(t, 1)
	case FrequencyQuarterly:
		return addMonths(t, 3)
	case FrequencyYearly:
		return addMonths(t, 12)
	}
	return t
}

// monthlyFactor converts one payment of this frequency into a monthly equivalent.
func (f Frequency) monthlyFactor() decimal.Decimal {
	switch f {
	case FrequencyDaily:
		return decimal.NewFromInt(365).Div(decimal.NewFromInt(12))
	case FrequencyWeekly:
		return decimal.NewFromInt(52).Div(decimal.NewFromInt(12))
	case FrequencyQuarterly:
		return decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	case FrequencyYearly:
		return decimal.NewFromInt(1).Div(decimal.NewFromInt(12))
	}
	return decimal.NewFromInt(1)
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// RecurringStatus is the lifecycle state of a schedule
type RecurringStatus string

const (
	RecurringActive    RecurringStatus = "active"
	RecurringPaused    RecurringStatus = "paused"
	RecurringCancelled RecurringStatus = "cancelled"
	RecurringCompleted RecurringStatus = "completed"
)

// PaymentSource says where a schedule takes its money from
type PaymentSource string

const (
	SourceWallet PaymentSource = "wallet"
	SourceDirect PaymentSource = "direct"
)

// RecurringPayment is a schedule that charges a user at a fixed frequency.
type RecurringPayment struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	UserID            string          `json:"user_id"`
	WalletID          string          `json:"wallet_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Amount            money.Amount    `json:"amount"`
	Currency          money.Currency  `json:"currency"`
	Frequency         Frequency       `json:"frequency"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	NextPaymentDate   time.Time       `json:"next_payment_date"`
	LastPaymentDate   *time.Time      `json:"last_payment_date,omitempty"`
	Status            RecurringStatus `json:"status"`
	TotalPayments     int             `json:"total_payments"`
	MaxPayments       int             `json:"max_payments"`
	FailedAttempts    int             `json:"failed_attempts"`
	MaxFailedAttempts int             `json:"max_failed_attempts"`
	SpendingLimit     *money.Amount   `json:"spending_limit,omitempty"`
	PaymentSource     PaymentSource   `json:"payment_source"`
	Provider          Provider        `json:"provider,omitempty"`
	BillID            string          `json:"bill_id,omitempty"`
	UtilityProvider   string          `json:"utility_provider,omitempty"`
	CustomerID        string          `json:"customer_id,omitempty"`
	Metadata          Metadata        `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RecurringSpec carries the caller-supplied fields of a new schedule.
type RecurringSpec struct {
	TenantID          string
	UserID            string
	WalletID          string
	Title             string
	Description       string
	Amount            money.Amount
	Currency          money.Currency
	Frequency         Frequency
	StartDate         time.Time
	EndDate           *time.Time
	MaxPayments       int
	MaxFailedAttempts int
	SpendingLimit     *money.Amount
	PaymentSource     PaymentSource
	Provider          Provider
	BillID            string
	UtilityProvider   string
	CustomerID        string
	Metadata          Metadata
}

// NewRecurringPayment validates spec and builds an active schedule. A zero StartDate starts now.
func NewRecurringPayment(id string, spec RecurringSpec, now time.Time) (*RecurringPayment, error) {
	if spec.TenantID == "" || spec.UserID == "" || spec.WalletID == "" {
		return nil, Validationf("tenant_id, user_id and wallet_id are required")
	}
	if strings.TrimSpace(spec.Title) == "" {
		return nil, Validationf("title is required")
	}
	if !spec.Amount.IsPositive() {
		return nil, Validationf("amount must be greater than zero")
	}
	if !spec.Frequency.Valid() {
		return nil, Validationf("unknown frequency %q", spec.Frequency)
	}
	start := spec.StartDate
	if start.IsZero() {
		start = now
	}
	start = start.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if start.Before(today) {
		return nil, Validationf("start_date cannot be in the past")
	}
	if spec.EndDate != nil && !spec.EndDate.After(start) {
		return nil, Validationf("end_date must be after start_date")
	}
	if spec.SpendingLimit != nil && *spec.SpendingLimit < spec.Amount {
		return nil, Validationf("spending_limit %s is below amount %s", *spec.SpendingLimit, spec.Amount)
	}
	if spec.MaxPayments < 0 {
		return nil, Validationf("max_payments cannot be negative")
	}
	switch spec.PaymentSource {
	case "":
		spec.PaymentSource = SourceWallet
	case SourceWallet:
	case SourceDirect:
		if !spec.Provider.IsGateway() {
			return nil, Validationf("direct payments need a gateway provider")
		}
	default:
		return nil, Validationf("unknown payment source %q", spec.PaymentSource)
	}
	if spec.MaxFailedAttempts <= 0 {
		spec.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if spec.Currency == "" {
		spec.Currency = money.DefaultCurrency
	}
	if !spec.Currency.Valid() {
		return nil, Validationf("unsupported currency %q", spec.Currency)
	}
	if err := spec.Metadata.Validate(); err != nil {
		return nil, err
	}

	return &RecurringPayment{
		ID:                id,
		TenantID:          spec.TenantID,
		UserID:            spec.UserID,
		WalletID:          spec.WalletID,
		Title:             strings.TrimSpace(spec.Title),
		Description:       spec.Description,
		Amount:            spec.Amount,
		Currency:          spec.Currency,
		Frequency:         spec.Frequency,
		StartDate:         start,
		EndDate:           spec.EndDate,
		NextPaymentDate:   start,
		Status:            RecurringActive,
		MaxPayments:       spec.MaxPayments,
		MaxFailedAttempts: spec.MaxFailedAttempts,
		SpendingLimit:     spec.SpendingLimit,
		PaymentSource:     spec.PaymentSource,
		Provider:          spec.Provider,
		BillID:            spec.BillID,
		UtilityProvider:   spec.UtilityProvider,
		CustomerID:        spec.CustomerID,
		Metadata:          spec.Metadata.Clone(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// IsDue reports whether an active schedule should be attempted at now.
func (r *RecurringPayment) IsDue(now time.Time) bool {
	return r.Status == RecurringActive && !r.NextPaymentDate.After(now)
}

// IsTerminal reports whether the schedule can never run again.
func (r *RecurringPayment) IsTerminal() bool {
	return r.Status == RecurringCancelled || r.Status == RecurringCompleted
}

// WithinSpendingLimit reports whether amount respects the configured limit.
func (r *RecurringPayment) WithinSpendingLimit(amount money.Amount) bool {
	return r.SpendingLimit == nil || amount <= *r.SpendingLimit
}

// RecordSuccess books a successful attempt and advances the schedule.
func (r *RecurringPayment) RecordSuccess(now time.Time) {
	r.bookSuccess(now)
	r.advance(now)
}

// RecordFailure books a failed attempt and advances the schedule. It reports whether the schedule was paused.
func (r *RecurringPayment) RecordFailure(now time.Time) bool {
	paused := r.bookFailure()
	r.advance(now)
	return paused
}

// Advance moves to the next payment date without booking an outcome. A
// gateway charge is booked with SettleSuccess or SettleFailure once it settles.
func (r *RecurringPayment) Advance(now time.Time) {
	r.advance(now)
}

// SettleSuccess books a gateway charge that settled after Advance and reports
// whether the schedule completed.
func (r *RecurringPayment) SettleSuccess(now time.Time) bool {
	r.bookSuccess(now)
	r.UpdatedAt = now
	if r.Status == RecurringActive && r.exhausted() {
		r.Status = RecurringCompleted
		return true
	}
	return false
}

// SettleFailure books a gateway charge that failed after Advance and reports
// whether the schedule was paused.
func (r *RecurringPayment) SettleFailure(now time.Time) bool {
	paused := r.bookFailure()
	r.UpdatedAt = now
	return paused
}

func (r *RecurringPayment) bookSuccess(now time.Time) {
	r.FailedAttempts = 0
	r.TotalPayments++
	r.LastPaymentDate = &now
}

// bookFailure counts a failure; only an active schedule is paused.
func (r *RecurringPayment) bookFailure() bool {
	r.FailedAttempts++
	if r.Status == RecurringActive && r.FailedAttempts >= r.MaxFailedAttempts {
		r.Status = RecurringPaused
		return true
	}
	return false
}

func (r *RecurringPayment) advance(now time.Time) {
	r.NextPaymentDate = r.Frequency.Next(r.NextPaymentDate)
	r.UpdatedAt = now
	if r.Status == RecurringActive && r.exhausted() {
		r.Status = RecurringCompleted
	}
}

func (r *RecurringPayment) exhausted() bool {
	if r.MaxPayments > 0 && r.TotalPayments >= r.MaxPayments {
		return true
	}
	return r.EndDate != nil && r.NextPaymentDate.After(*r.EndDate)
}

// Pause stops an active schedule.
func (r *RecurringPayment) Pause(now time.Time) (Outcome, error) {
	switch r.Status {
	case RecurringPaused:
		return OutcomeUnchanged, nil
	case RecurringActive:
		r.Status = RecurringPaused
		r.UpdatedAt = now
		return OutcomeApplied, nil
	}
	return "", Conflictf("recurring payment %s is %s", r.ID, r.Status)
}

// Resume reactivates a paused schedule. Failed attempts are kept.
func (r *RecurringPayment) Resume(now time.Time) (Outcome, error) {
	switch r.Status {
	case RecurringActive:
		return OutcomeUnchanged, nil
	case RecurringPaused:
		r.Status = RecurringActive
		r.UpdatedAt = now
		return OutcomeApplied, nil
	}
	return "", Conflictf("recurring payment %s is %s", r.ID, r.Status)
}

// Cancel ends the schedule for good.
func (r *RecurringPayment) Cancel(now time.Time) (Outcome, error) {
	switch r.Status {
	case RecurringCancelled:
		return OutcomeUnchanged, nil
	case RecurringActive, RecurringPaused:
		r.Status = RecurringCancelled
		r.UpdatedAt = now
		return OutcomeApplied, nil
	}
	return "", Conflictf("recurring payment %s is %s", r.ID, r.Status)
}

// RecurringUpdate lists the mutable fields; nil means keep.
type RecurringUpdate struct {
	Title           *string
	Description     *string
	Amount          *money.Amount
	Frequency       *Frequency
	NextPaymentDate *time.Time
	EndDate         *time.Time
	SpendingLimit   *money.Amount
	MaxPayments     *int
}

// ApplyUpdate validates and applies u to an active or paused schedule.
func (r *RecurringPayment) ApplyUpdate(u RecurringUpdate, now time.Time) error {
	if r.IsTerminal() {
		return Conflictf("recurring payment %s is %s", r.ID, r.Status)
	}
	next := *r
	if u.Title != nil {
		if strings.TrimSpace(*u.Title) == "" {
			return Validationf("title cannot be empty")
		}
		next.Title = strings.TrimSpace(*u.Title)
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Amount != nil {
		if !u.Amount.IsPositive() {
			return Validationf("amount must be greater than zero")
		}
		next.Amount = *u.Amount
	}
	if u.Frequency != nil {
		if !u.Frequency.Valid() {
			return Validationf("unknown frequency %q", *u.Frequency)
		}
		next.Frequency = *u.Frequency
	}
	if u.NextPaymentDate != nil {
		if u.NextPaymentDate.Before(now) {
			return Validationf("next_payment_date cannot be in the past")
		}
		if u.NextPaymentDate.Before(next.StartDate) {
			return Validationf("next_payment_date cannot precede start_date")
		}
		next.NextPaymentDate = u.NextPaymentDate.UTC()
	}
	if u.EndDate != nil {
		if !u.EndDate.After(next.StartDate) {
			return Validationf("end_date must be after start_date")
		}
		end := u.EndDate.UTC()
		next.EndDate = &end
	}
	if u.SpendingLimit != nil {
		limit := *u.SpendingLimit
		next.SpendingLimit = &limit
	}
	if u.MaxPayments != nil {
		if *u.MaxPayments < 0 {
			return Validationf("max_payments cannot be negative")
		}
		next.MaxPayments = *u.MaxPayments
	}
	if !next.WithinSpendingLimit(next.Amount) {
		return Validationf("amount %s exceeds spending_limit %s", next.Amount, *next.SpendingLimit)
	}
	next.UpdatedAt = now
	*r = next
	return nil
}

// MonthlyEquivalent normalizes the amount to a per-month figure.
func (r *RecurringPayment) MonthlyEquivalent() money.Amount {
	d := r.Amount.Decimal().Mul(r.Frequency.monthlyFactor()).Round(money.Scale)
	a, err := money.FromDecimal(d)
	if err != nil {
		return 0
	}
	return a
}

// Clone returns a copy that shares no mutable state with r.
func (r *RecurringPayment) Clone() *RecurringPayment {
	c := *r
	c.Metadata = r.Metadata.Clone()
	return &c
}

// RecurringSummary aggregates one user's schedules.
type RecurringSummary struct {
	Total           int          `json:"total"`
	Active          int          `json:"active"`
	Paused          int          `json:"paused"`
	Cancelled       int          `json:"cancelled"`
	Completed       int          `json:"completed"`
	MonthlyAmount   money.Amount `json:"monthly_amount"`
	NextPaymentDate *time.Time   `json:"next_payment_date,omitempty"`
}

// Add folds one schedule into the summary.
func (s *RecurringSummary) Add(r *RecurringPayment) {
	s.Total++
	switch r.Status {
	case RecurringActive:
		s.Active++
		s.MonthlyAmount += r.MonthlyEquivalent()
		if s.NextPaymentDate == nil || r.NextPaymentDate.Before(*s.NextPaymentDate) {
			next := r.NextPaymentDate
			s.NextPaymentDate = &next
		}
	case RecurringPaused:
		s.Paused++
	case RecurringCancelled:
		s.Cancelled++
	case RecurringCompleted:
		s.Completed++
	}
}
