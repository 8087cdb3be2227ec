package notify

import (
	"context"
	"log/slog"

	"estateledger/internal/common/events"
	"estateledger/internal/common/metrics"
)

// Kind names a notification template
type Kind string

const (
	KindPaymentSucceeded   Kind = "payment_succeeded"
	KindPaymentFailed      Kind = "payment_failed"
	KindBillCreated        Kind = "bill_created"
	KindBillPaid           Kind = "bill_paid"
	KindBillDisputed       Kind = "bill_disputed"
	KindBillOverdue        Kind = "bill_overdue"
	KindBillReminder       Kind = "bill_reminder"
	KindRecurringFailed    Kind = "recurring_failed"
	KindRecurringPaused    Kind = "recurring_paused"
	KindRecurringReminder  Kind = "recurring_reminder"
	KindRecurringCompleted Kind = "recurring_completed"
	KindRecurringCheckout  Kind = "recurring_checkout"
)

// Audiences address a group of the tenant instead of named users.
const (
	AudienceOperators = "operators"
	AudienceResidents = "residents"
)

// Notification is the payload handed to the delivery service.
type Notification struct {
	Kind     Kind              `json:"kind"`
	TenantID string            `json:"tenant_id"`
	UserIDs  []string          `json:"user_ids,omitempty"`
	Audience string            `json:"audience,omitempty"`
	Subject  string            `json:"subject"`
	Data     map[string]string `json:"data,omitempty"`
}

// Notifier sends notifications without ever failing the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Dispatcher publishes notifications as notification.<kind> events.
type Dispatcher struct {
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(publisher events.EventPublisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, logger: logger}
}

// Notify publishes n; failures are logged and counted.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	evt, err := events.NewEvent(events.NotificationPrefix+string(n.Kind), n.TenantID, "notification", string(n.Kind), n)
	if err == nil {
		err = d.publisher.Publish(ctx, evt)
	}
	if err != nil {
		metrics.IncNotificationsDropped()
		d.logger.Warn("notification dropped",
			"kind", n.Kind,
			"tenant_id", n.TenantID,
			"error", err,
		)
	}
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}
