package domain

import (
	"slices"
	"strings"
	"time"

	"estateledger/internal/common/money"
)

// BillType classifies what a bill is for
type BillType string

const (
	BillElectricity     BillType = "electricity"
	BillWater           BillType = "water"
	BillSecurity        BillType = "security"
	BillMaintenance     BillType = "maintenance"
	BillServiceCharge   BillType = "service_charge"
	BillWasteManagement BillType = "waste_management"
	BillOther           BillType = "other"
)

// Valid reports whether t is a known bill type.
func (t BillType) Valid() bool {
	switch t {
	case BillElectricity, BillWater, BillSecurity, BillMaintenance, BillServiceCharge, BillWasteManagement, BillOther:
		return true
	}
	return false
}

// BillCategory tells who manages the bill
type BillCategory string

const (
	BillTenantManaged BillCategory = "tenant_managed"
	BillUserManaged   BillCategory = "user_managed"
)

// BillStatus is derived from the bill's amounts, dates and flags
type BillStatus string

const (
	BillPending       BillStatus = "pending"
	BillAcknowledged  BillStatus = "acknowledged"
	BillPartiallyPaid BillStatus = "partially_paid"
	BillPaid          BillStatus = "paid"
	BillDisputed      BillStatus = "disputed"
	BillOverdue       BillStatus = "overdue"
	BillCancelled     BillStatus = "cancelled"
)

// Bill is an obligation owed by one user, or by every resident of a tenant when UserID is empty.
type Bill struct {
	ID                   string         `json:"id"`
	BillNumber           string         `json:"bill_number"`
	TenantID             string         `json:"tenant_id"`
	UserID               string         `json:"user_id,omitempty"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Type                 BillType       `json:"type"`
	Category             BillCategory   `json:"category"`
	Amount               money.Amount   `json:"amount"`
	PaidAmount           money.Amount   `json:"paid_amount"`
	Currency             money.Currency `json:"currency"`
	DueDate              time.Time      `json:"due_date"`
	Status               BillStatus     `json:"status"`
	AllowPaymentAfterDue bool           `json:"allow_payment_after_due"`
	AcknowledgedBy       []string       `json:"acknowledged_by"`
	DisputeReason        string         `json:"dispute_reason,omitempty"`
	DisputedBy           string         `json:"disputed_by,omitempty"`
	DisputedAt           *time.Time     `json:"disputed_at,omitempty"`
	CancelledAt          *time.Time     `json:"cancelled_at,omitempty"`
	PaidAt               *time.Time     `json:"paid_at,omitempty"`
	UtilityProvider      string         `json:"utility_provider,omitempty"`
	CustomerID           string         `json:"customer_id,omitempty"`
	Metadata             Metadata       `json:"metadata,omitempty"`
	CreatedBy            string         `json:"created_by"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// BillSpec carries the caller-supplied fields of a new bill.
type BillSpec struct {
	TenantID             string
	UserID               string
	Title                string
	Description          string
	Type                 BillType
	Category             BillCategory
	Amount               money.Amount
	Currency             money.Currency
	DueDate              time.Time
	AllowPaymentAfterDue bool
	UtilityProvider      string
	CustomerID           string
	Metadata             Metadata
	CreatedBy            string
}

// NewBill validates spec and builds a pending bill.
func NewBill(id, billNumber string, spec BillSpec, now time.Time) (*Bill, error) {
	if spec.TenantID == "" {
		return nil, Validationf("tenant_id is required")
	}
	if strings.TrimSpace(spec.Title) == "" {
		return nil, Validationf("title is required")
	}
	if !spec.Type.Valid() {
		return nil, Validationf("unknown bill type %q", spec.Type)
	}
	if !spec.Amount.IsPositive() {
		return nil, Validationf("amount must be greater than zero")
	}
	if spec.DueDate.IsZero() {
		return nil, Validationf("due_date is required")
	}
	switch spec.Category {
	case BillTenantManaged:
	case BillUserManaged:
		if spec.UserID == "" {
			return nil, Validationf("user-managed bills need a user_id")
		}
	default:
		return nil, Validationf("unknown bill category %q", spec.Category)
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

	b := &Bill{
		ID:                   id,
		BillNumber:           billNumber,
		TenantID:             spec.TenantID,
		UserID:               spec.UserID,
		Title:                strings.TrimSpace(spec.Title),
		Description:          spec.Description,
		Type:                 spec.Type,
		Category:             spec.Category,
		Amount:               spec.Amount,
		Currency:             spec.Currency,
		DueDate:              spec.DueDate.UTC(),
		AllowPaymentAfterDue: spec.AllowPaymentAfterDue,
		AcknowledgedBy:       []string{},
		UtilityProvider:      spec.UtilityProvider,
		CustomerID:           spec.CustomerID,
		Metadata:             spec.Metadata.Clone(),
		CreatedBy:            spec.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	b.Refresh(now)
	return b, nil
}

// IsTenantWide reports whether the bill is shared by every resident.
func (b *Bill) IsTenantWide() bool {
	return b.UserID == ""
}

// RemainingAmount is what is still owed.
func (b *Bill) RemainingAmount() money.Amount {
	return b.Amount - b.PaidAmount
}

// IsFullyPaid reports whether nothing remains owed.
func (b *Bill) IsFullyPaid() bool {
	return b.RemainingAmount() <= 0
}

// IsOverdue reports whether the due date has passed on an unpaid bill.
func (b *Bill) IsOverdue(now time.Time) bool {
	return now.After(b.DueDate) && !b.IsFullyPaid()
}

// IsDisputed reports whether an unresolved dispute is open.
func (b *Bill) IsDisputed() bool {
	return b.DisputedAt != nil
}

// IsCancelled reports whether the bill was cancelled.
func (b *Bill) IsCancelled() bool {
	return b.CancelledAt != nil
}

// IsAcknowledgedBy reports whether userID has acknowledged the bill.
func (b *Bill) IsAcknowledgedBy(userID string) bool {
	return slices.Contains(b.AcknowledgedBy, userID)
}

// VisibleTo reports whether userID may see and act on the bill.
func (b *Bill) VisibleTo(userID string) bool {
	return b.IsTenantWide() || b.UserID == userID
}

// DeriveStatus computes the status from the bill's state alone.
func (b *Bill) DeriveStatus(now time.Time) BillStatus {
	switch {
	case b.IsCancelled():
		return BillCancelled
	case b.IsDisputed():
		return BillDisputed
	case b.IsFullyPaid():
		return BillPaid
	case b.IsOverdue(now):
		return BillOverdue
	case b.PaidAmount > 0:
		return BillPartiallyPaid
	case len(b.AcknowledgedBy) > 0:
		return BillAcknowledged
	default:
		return BillPending
	}
}

// Refresh recomputes Status and reports whether it changed.
func (b *Bill) Refresh(now time.Time) bool {
	next := b.DeriveStatus(now)
	changed := next != b.Status
	b.Status = next
	return changed
}

// CheckPayable returns ErrNotPayable unless the bill can take a payment now.
func (b *Bill) CheckPayable(now time.Time) error {
	switch {
	case b.IsCancelled():
		return NotPayablef("bill %s is cancelled", b.BillNumber)
	case b.IsFullyPaid():
		return NotPayablef("bill %s is already paid", b.BillNumber)
	case b.IsDisputed():
		return NotPayablef("bill %s is disputed", b.BillNumber)
	case b.IsOverdue(now) && !b.AllowPaymentAfterDue:
		return NotPayablef("bill %s is overdue and does not accept late payment", b.BillNumber)
	}
	return nil
}

// CheckPayer verifies that userID is allowed to pay the bill.
func (b *Bill) CheckPayer(userID string) error {
	if !b.VisibleTo(userID) {
		return NotFoundf("bill %s", b.ID)
	}
	if !b.IsAcknowledgedBy(userID) {
		return Conflictf("bill %s must be acknowledged before payment", b.BillNumber)
	}
	return nil
}

// Acknowledge records userID's acknowledgement.
func (b *Bill) Acknowledge(userID string, now time.Time) (Outcome, error) {
	if !b.VisibleTo(userID) {
		return "", NotFoundf("bill %s", b.ID)
	}
	if b.IsCancelled() {
		return "", Conflictf("bill %s is cancelled", b.BillNumber)
	}
	if b.IsFullyPaid() || b.IsAcknowledgedBy(userID) {
		return OutcomeUnchanged, nil
	}
	b.AcknowledgedBy = append(b.AcknowledgedBy, userID)
	b.UpdatedAt = now
	b.Refresh(now)
	return OutcomeApplied, nil
}

// Dispute opens a dispute, blocking payment until it is resolved.
func (b *Bill) Dispute(userID, reason string, now time.Time) (Outcome, error) {
	if !b.VisibleTo(userID) {
		return "", NotFoundf("bill %s", b.ID)
	}
	if strings.TrimSpace(reason) == "" {
		return "", Validationf("a dispute reason is required")
	}
	b.Refresh(now)
	switch b.Status {
	case BillPending, BillAcknowledged, BillPartiallyPaid:
	case BillDisputed, BillPaid, BillCancelled:
		return OutcomeUnchanged, nil
	default:
		return "", Conflictf("bill %s cannot be disputed while %s", b.BillNumber, b.Status)
	}
	b.DisputeReason = strings.TrimSpace(reason)
	b.DisputedBy = userID
	b.DisputedAt = &now
	b.UpdatedAt = now
	b.Refresh(now)
	return OutcomeApplied, nil
}

// ResolveDispute clears an open dispute.
func (b *Bill) ResolveDispute(now time.Time) Outcome {
	if !b.IsDisputed() {
		return OutcomeUnchanged
	}
	b.DisputedAt = nil
	b.UpdatedAt = now
	b.Refresh(now)
	return OutcomeApplied
}

// Cancel cancels a bill that has not been paid at all.
func (b *Bill) Cancel(now time.Time) (Outcome, error) {
	if b.IsCancelled() {
		return OutcomeUnchanged, nil
	}
	if b.PaidAmount > 0 {
		return "", Conflictf("bill %s already received %s and cannot be cancelled", b.BillNumber, b.PaidAmount)
	}
	b.CancelledAt = &now
	b.UpdatedAt = now
	b.Refresh(now)
	return OutcomeApplied, nil
}

// Reopen reverses a cancellation.
func (b *Bill) Reopen(now time.Time) Outcome {
	if !b.IsCancelled() {
		return OutcomeUnchanged
	}
	b.CancelledAt = nil
	b.UpdatedAt = now
	b.Refresh(now)
	return OutcomeApplied
}

// ApplyPayment adds amount to PaidAmount after checking payability and bounds.
func (b *Bill) ApplyPayment(amount money.Amount, now time.Time) error {
	if err := b.CheckPayable(now); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return Validationf("payment amount must be greater than zero")
	}
	if amount > b.RemainingAmount() {
		return Validationf("payment %s exceeds remaining %s", amount, b.RemainingAmount())
	}
	b.PaidAmount += amount
	if b.IsFullyPaid() {
		b.PaidAt = &now
	}
	b.UpdatedAt = now
	b.Refresh(now)
	return nil
}

// Clone returns a copy that shares no mutable state with b.
func (b *Bill) Clone() *Bill {
	c := *b
	c.AcknowledgedBy = slices.Clone(b.AcknowledgedBy)
	c.Metadata = b.Metadata.Clone()
	return &c
}

// BillsSummary aggregates the bills visible to a user. Counts are mutually exclusive.
type BillsSummary struct {
	Total             int          `json:"total"`
	Paid              int          `json:"paid"`
	Unpaid            int          `json:"unpaid"`
	Pending           int          `json:"pending"`
	Overdue           int          `json:"overdue"`
	TotalAmount       money.Amount `json:"total_amount"`
	PaidAmount        money.Amount `json:"paid_amount"`
	OutstandingAmount money.Amount `json:"outstanding_amount"`
}

// Add folds one bill into the summary. Cancelled bills are not counted.
func (s *BillsSummary) Add(b *Bill, now time.Time) {
	if b.IsCancelled() {
		return
	}
	s.Total++
	s.TotalAmount += b.Amount
	s.PaidAmount += b.PaidAmount
	s.OutstandingAmount += b.RemainingAmount()

	switch {
	case b.IsFullyPaid():
		s.Paid++
	case b.IsOverdue(now):
		s.Overdue++
	case b.PaidAmount == 0 && !b.IsDisputed():
		s.Pending++
	default:
		s.Unpaid++
	}
}
