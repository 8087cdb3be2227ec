package billing

import (
	"context"
	"fmt"
	"time"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
	"estateledger/internal/notify"
)

// BillInput describes a bill to create. An empty UserID makes the bill
// tenant-wide. AllowPaymentAfterDue defaults to true.
type BillInput struct {
	UserID               string              `json:"user_id,omitempty"`
	Title                string              `json:"title" validate:"required,max=200"`
	Description          string              `json:"description,omitempty"`
	Type                 domain.BillType     `json:"type" validate:"required"`
	Category             domain.BillCategory `json:"category,omitempty"`
	Amount               money.Amount        `json:"amount"`
	Currency             money.Currency      `json:"currency,omitempty"`
	DueDate              time.Time           `json:"due_date" validate:"required"`
	AllowPaymentAfterDue *bool               `json:"allow_payment_after_due,omitempty"`
	UtilityProvider      string              `json:"utility_provider,omitempty"`
	CustomerID           string              `json:"customer_id,omitempty"`
	Metadata             domain.Metadata     `json:"metadata,omitempty"`
}

func (in BillInput) spec(tenantID, createdBy string) domain.BillSpec {
	allowLate := true
	if in.AllowPaymentAfterDue != nil {
		allowLate = *in.AllowPaymentAfterDue
	}
	category := in.Category
	if category == "" {
		category = domain.BillTenantManaged
		if in.UserID != "" {
			category = domain.BillUserManaged
		}
	}
	return domain.BillSpec{
		TenantID:             tenantID,
		UserID:               in.UserID,
		Title:                in.Title,
		Description:          in.Description,
		Type:                 in.Type,
		Category:             category,
		Amount:               in.Amount,
		Currency:             in.Currency,
		DueDate:              in.DueDate,
		AllowPaymentAfterDue: allowLate,
		UtilityProvider:      in.UtilityProvider,
		CustomerID:           in.CustomerID,
		Metadata:             in.Metadata,
		CreatedBy:            createdBy,
	}
}

// CreateBill creates one bill and notifies whoever owes it.
func (s *Service) CreateBill(ctx context.Context, tenantID string, in BillInput, createdBy string) (*domain.Bill, error) {
	var b *domain.Bill
	evts, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		var err error
		b, err = domain.NewBill(ledger.NewID(), ledger.NewBillNumber(), in.spec(tenantID, createdBy), u.Now)
		if err != nil {
			return err
		}
		if err := u.Tx.CreateBill(ctx, b); err != nil {
			return fmt.Errorf("creating bill: %w", err)
		}
		u.Emit(events.EventBillCreated, tenantID, "bill", b.ID, billData(b, createdBy))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)

	s.logger.Info("bill created",
		"bill_id", b.ID,
		"bill_number", b.BillNumber,
		"tenant_id", tenantID,
		"user_id", b.UserID,
		"amount", b.Amount.String(),
	)
	s.notifyBill(ctx, notify.KindBillCreated, b, "New bill: "+b.Title, nil)
	return b, nil
}

// CreateTenantBill creates a bill shared by every resident of the tenant.
func (s *Service) CreateTenantBill(ctx context.Context, tenantID string, in BillInput, createdBy string) (*domain.Bill, error) {
	in.UserID = ""
	in.Category = domain.BillTenantManaged
	return s.CreateBill(ctx, tenantID, in, createdBy)
}

// CreateUserBill records a utility bill a user raises for themself. The
// creator's acknowledgement is implied.
func (s *Service) CreateUserBill(ctx context.Context, tenantID, userID string, in BillInput) (*domain.Bill, error) {
	if userID == "" {
		return nil, domain.Validationf("user_id is required")
	}
	in.UserID = userID
	in.Category = domain.BillUserManaged
	b, err := s.CreateBill(ctx, tenantID, in, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.AcknowledgeBill(ctx, tenantID, b.ID, userID); err != nil {
		return nil, err
	}
	return s.GetBill(ctx, tenantID, b.ID, userID)
}

// BulkFailure reports one rejected row of a bulk creation.
type BulkFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BulkResult reports a bulk creation. Rows fail independently.
type BulkResult struct {
	Created []*domain.Bill `json:"created"`
	Failed  []BulkFailure  `json:"failed"`
}

// CreateBulkBills creates each input in its own unit.
func (s *Service) CreateBulkBills(ctx context.Context, tenantID string, inputs []BillInput, createdBy string) (BulkResult, error) {
	result := BulkResult{Created: []*domain.Bill{}, Failed: []BulkFailure{}}
	if len(inputs) == 0 {
		return result, domain.Validationf("no bills to create")
	}
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		b, err := s.CreateBill(ctx, tenantID, in, createdBy)
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{Index: i, Error: err.Error()})
			continue
		}
		result.Created = append(result.Created, b)
	}
	s.logger.Info("bulk bills created",
		"tenant_id", tenantID,
		"created", len(result.Created),
		"failed", len(result.Failed),
	)
	return result, nil
}

// OverrideStatus lets an operator cancel an unpaid bill, or set a bill back to
// pending by reopening it or resolving its dispute. Other statuses are derived
// and cannot be set.
func (s *Service) OverrideStatus(ctx context.Context, tenantID, billID string, target domain.BillStatus, operatorID string) (domain.Outcome, error) {
	if target != domain.BillCancelled && target != domain.BillPending {
		return "", domain.Validationf("status %q cannot be set directly", target)
	}

	var (
		outcome domain.Outcome
		bill    *domain.Bill
	)
	_, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		b, err := u.Tx.LockBill(ctx, tenantID, billID)
		if err != nil {
			return err
		}
		switch {
		case target == domain.BillCancelled:
			outcome, err = b.Cancel(u.Now)
		case b.IsCancelled():
			outcome = b.Reopen(u.Now)
		default:
			outcome = b.ResolveDispute(u.Now)
		}
		if err != nil || !outcome.Applied() {
			return err
		}
		bill = b
		return u.Tx.UpdateBill(ctx, b)
	})
	if err != nil {
		return "", err
	}
	if outcome.Applied() {
		s.logger.Info("bill status overridden",
			"bill_id", billID,
			"target", target,
			"status", bill.Status,
			"operator_id", operatorID,
		)
	}
	return outcome, nil
}

// SendReminders notifies the owners of unpaid bills due within the window and
// returns how many reminders were sent.
func (s *Service) SendReminders(ctx context.Context, within time.Duration) (int, error) {
	now := s.now()
	to := now.Add(within)
	sent := 0
	err := s.eachBill(ctx, store.BillFilter{DueFrom: &now, DueTo: &to, Now: now}, func(b *domain.Bill) error {
		if b.IsCancelled() || b.IsDisputed() || b.IsFullyPaid() {
			return nil
		}
		s.notifyBill(ctx, notify.KindBillReminder, b, "Bill due soon: "+b.Title, nil)
		sent++
		return nil
	})
	if err != nil {
		return sent, err
	}
	s.logger.Info("bill reminders sent", "count", sent)
	return sent, nil
}

// MarkOverdue persists the overdue status of bills that passed their due date
// and notifies their owners once. It returns the number of bills updated.
func (s *Service) MarkOverdue(ctx context.Context) (int, error) {
	now := s.now()
	var stale []*domain.Bill
	err := s.eachBill(ctx, store.BillFilter{Status: domain.BillOverdue, Now: now}, func(b *domain.Bill) error {
		if b.Status != domain.BillOverdue {
			stale = append(stale, b)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, candidate := range stale {
		var updated *domain.Bill
		_, err := ledger.Atomic(ctx, s.store, now, func(u *ledger.Unit) error {
			updated = nil
			b, err := u.Tx.LockBill(ctx, candidate.TenantID, candidate.ID)
			if err != nil {
				return err
			}
			if !b.Refresh(u.Now) || b.Status != domain.BillOverdue {
				return nil
			}
			b.UpdatedAt = u.Now
			updated = b
			return u.Tx.UpdateBill(ctx, b)
		})
		if err != nil {
			s.logger.Warn("bill not marked overdue", "bill_id", candidate.ID, "error", err)
			continue
		}
		if updated != nil {
			marked++
			s.notifyBill(ctx, notify.KindBillOverdue, updated, "Bill overdue: "+updated.Title, nil)
		}
	}
	if marked > 0 {
		s.logger.Info("bills marked overdue", "count", marked)
	}
	return marked, nil
}
