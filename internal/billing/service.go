// Package billing manages bills: creation, acknowledgement, disputes, payment
// and the periodic overdue and reminder sweeps.
package billing

import (
	"context"
	"log/slog"
	"time"

	"estateledger/internal/common/events"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
	"estateledger/internal/notify"
	"estateledger/internal/payments"
)

// Service is the bill manager.
type Service struct {
	store     store.Store
	payments  *payments.Service
	publisher events.EventPublisher
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new bill manager. payments serves direct bill payments.
func NewService(st store.Store, pay *payments.Service, publisher events.EventPublisher, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		payments:  pay,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetBill returns a bill with its status derived at the current time. A
// non-empty userID restricts the lookup to bills visible to that user.
func (s *Service) GetBill(ctx context.Context, tenantID, billID, userID string) (*domain.Bill, error) {
	b, err := s.store.GetBill(ctx, tenantID, billID)
	if err != nil {
		return nil, err
	}
	if userID != "" && !b.VisibleTo(userID) {
		return nil, domain.NotFoundf("bill %s", billID)
	}
	b.Refresh(s.now())
	return b, nil
}

// ListRequest filters ListBills.
type ListRequest struct {
	TenantID string
	// UserID restricts to the user's bills plus tenant-wide bills.
	UserID  string
	Status  domain.BillStatus
	Type    domain.BillType
	Overdue bool
	DueFrom *time.Time
	DueTo   *time.Time
	Limit   int
	Offset  int
}

// ListBills lists bills with their derived status.
func (s *Service) ListBills(ctx context.Context, req ListRequest) ([]*domain.Bill, int64, error) {
	now := s.now()
	f := store.BillFilter{
		TenantID:  req.TenantID,
		VisibleTo: req.UserID,
		Status:    req.Status,
		Type:      req.Type,
		DueFrom:   req.DueFrom,
		DueTo:     req.DueTo,
		Now:       now,
		Limit:     req.Limit,
		Offset:    req.Offset,
	}
	if req.Overdue {
		f.Status = domain.BillOverdue
	}
	if f.Status != "" && !validStatus(f.Status) {
		return nil, 0, domain.Validationf("unknown bill status %q", f.Status)
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, domain.Validationf("unknown bill type %q", f.Type)
	}

	bills, total, err := s.store.ListBills(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	for _, b := range bills {
		b.Refresh(now)
	}
	return bills, total, nil
}

func validStatus(st domain.BillStatus) bool {
	switch st {
	case domain.BillPending, domain.BillAcknowledged, domain.BillPartiallyPaid, domain.BillPaid,
		domain.BillDisputed, domain.BillOverdue, domain.BillCancelled:
		return true
	}
	return false
}

// GetBillsSummary aggregates the bills visible to userID. Cancelled bills are excluded.
func (s *Service) GetBillsSummary(ctx context.Context, tenantID, userID string) (domain.BillsSummary, error) {
	var summary domain.BillsSummary
	now := s.now()
	err := s.eachBill(ctx, store.BillFilter{TenantID: tenantID, VisibleTo: userID, Now: now}, func(b *domain.Bill) error {
		summary.Add(b, now)
		return nil
	})
	return summary, err
}

// eachBill pages through every bill matching f.
func (s *Service) eachBill(ctx context.Context, f store.BillFilter, fn func(*domain.Bill) error) error {
	f.Limit = store.MaxLimit
	for {
		bills, total, err := s.store.ListBills(ctx, f)
		if err != nil {
			return err
		}
		for _, b := range bills {
			if err := fn(b); err != nil {
				return err
			}
		}
		f.Offset += len(bills)
		if len(bills) == 0 || int64(f.Offset) >= total {
			return nil
		}
	}
}

// AcknowledgeBill records that userID accepts the bill.
func (s *Service) AcknowledgeBill(ctx context.Context, tenantID, billID, userID string) (domain.Outcome, error) {
	var outcome domain.Outcome
	_, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		b, err := u.Tx.LockBill(ctx, tenantID, billID)
		if err != nil {
			return err
		}
		outcome, err = b.Acknowledge(userID, u.Now)
		if err != nil || !outcome.Applied() {
			return err
		}
		return u.Tx.UpdateBill(ctx, b)
	})
	if err != nil {
		return "", err
	}
	if outcome.Applied() {
		s.logger.Info("bill acknowledged", "bill_id", billID, "user_id", userID)
	}
	return outcome, nil
}

// DisputeBill opens a dispute on the bill and notifies the tenant's operators.
func (s *Service) DisputeBill(ctx context.Context, tenantID, billID, userID, reason string) (domain.Outcome, error) {
	var (
		outcome domain.Outcome
		bill    *domain.Bill
	)
	evts, err := ledger.Atomic(ctx, s.store, s.now(), func(u *ledger.Unit) error {
		b, err := u.Tx.LockBill(ctx, tenantID, billID)
		if err != nil {
			return err
		}
		outcome, err = b.Dispute(userID, reason, u.Now)
		if err != nil || !outcome.Applied() {
			return err
		}
		if err := u.Tx.UpdateBill(ctx, b); err != nil {
			return err
		}
		data := billData(b, userID)
		data.Reason = b.DisputeReason
		u.Emit(events.EventBillDisputed, b.TenantID, "bill", b.ID, data)
		bill = b
		return nil
	})
	if err != nil {
		return "", err
	}
	events.PublishAll(ctx, s.publisher, s.logger, evts)

	if outcome.Applied() {
		s.logger.Info("bill disputed", "bill_id", billID, "user_id", userID)
		s.notifier.Notify(ctx, notify.Notification{
			Kind:     notify.KindBillDisputed,
			TenantID: tenantID,
			Audience: notify.AudienceOperators,
			Subject:  "Bill disputed: " + bill.Title,
			Data: map[string]string{
				"bill_id":     bill.ID,
				"bill_number": bill.BillNumber,
				"disputed_by": userID,
				"reason":      bill.DisputeReason,
			},
		})
	}
	return outcome, nil
}

func billData(b *domain.Bill, actorID string) events.BillData {
	return events.BillData{
		BillID:     b.ID,
		BillNumber: b.BillNumber,
		UserID:     b.UserID,
		Type:       string(b.Type),
		Amount:     b.Amount.String(),
		PaidAmount: b.PaidAmount.String(),
		Status:     string(b.Status),
		ActorID:    actorID,
	}
}

// notifyBill addresses the bill's owner, or every resident for tenant-wide bills.
func (s *Service) notifyBill(ctx context.Context, kind notify.Kind, b *domain.Bill, subject string, data map[string]string) {
	n := notify.Notification{
		Kind:     kind,
		TenantID: b.TenantID,
		Subject:  subject,
		Data: map[string]string{
			"bill_id":     b.ID,
			"bill_number": b.BillNumber,
			"amount":      b.Amount.String(),
			"remaining":   b.RemainingAmount().String(),
			"due_date":    b.DueDate.Format(time.DateOnly),
		},
	}
	for k, v := range data {
		n.Data[k] = v
	}
	if b.IsTenantWide() {
		n.Audience = notify.AudienceResidents
	} else {
		n.UserIDs = []string{b.UserID}
	}
	s.notifier.Notify(ctx, n)
}
