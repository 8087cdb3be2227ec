package ledger

import (
	"context"
	"fmt"

	"estateledger/internal/common/events"
	"estateledger/internal/ledger/domain"
)

// RecurringChange is what booking an attempt did to a locked schedule.
type RecurringChange struct {
	Schedule  *domain.RecurringPayment
	Succeeded bool
	Paused    bool
	Completed bool
}

// SaveRecurring writes the locked schedule in c and queues an event for each
// status transition.
func (u *Unit) SaveRecurring(ctx context.Context, c RecurringChange) error {
	sched := c.Schedule
	if err := u.Tx.UpdateRecurring(ctx, sched); err != nil {
		return fmt.Errorf("updating recurring payment: %w", err)
	}
	data := events.RecurringData{
		RecurringPaymentID: sched.ID,
		UserID:             sched.UserID,
		Status:             string(sched.Status),
		FailedAttempts:     sched.FailedAttempts,
		TotalPayments:      sched.TotalPayments,
		NextPaymentDate:    sched.NextPaymentDate,
	}
	if c.Paused {
		u.Emit(events.EventRecurringPaused, sched.TenantID, "recurring_payment", sched.ID, data)
	}
	if c.Completed {
		u.Emit(events.EventRecurringCompleted, sched.TenantID, "recurring_payment", sched.ID, data)
	}
	return nil
}
