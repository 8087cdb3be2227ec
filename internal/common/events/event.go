package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, tenantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

type correlationKey struct{}

type correlation struct {
	correlationID string
	causationID   string
}

// ContextWithCorrelation returns ctx carrying the ids that Correlate stamps on
// events raised while handling it.
func ContextWithCorrelation(ctx context.Context, correlationID, causationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlation{correlationID: correlationID, causationID: causationID})
}

// Correlate stamps the correlation ids carried by ctx on evts. Events built
// outside a correlated context are left alone.
func Correlate(ctx context.Context, evts []*Event) {
	c, ok := ctx.Value(correlationKey{}).(correlation)
	if !ok {
		return
	}
	for _, e := range evts {
		e.WithCorrelation(c.correlationID, c.causationID)
	}
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// PublishAll publishes evts after a commit. Failures are logged, never returned.
func PublishAll(ctx context.Context, pub EventPublisher, logger *slog.Logger, evts []*Event) {
	for _, e := range evts {
		if err := pub.Publish(ctx, e); err != nil {
			logger.Warn("event not published",
				"event_id", e.ID,
				"type", e.Type,
				"aggregate_id", e.AggregateID,
				"error", err,
			)
		}
	}
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }

// Event types
const (
	// Wallet events
	EventWalletCreated  = "wallet.created"
	EventWalletCredited = "wallet.credited"
	EventWalletDebited  = "wallet.debited"

	// Payment events
	EventPaymentInitialized = "payment.initialized"
	EventPaymentCompleted   = "payment.completed"
	EventPaymentFailed      = "payment.failed"

	// Bill events
	EventBillCreated  = "bill.created"
	EventBillPaid     = "bill.paid"
	EventBillDisputed = "bill.disputed"

	// Recurring payment events
	EventRecurringPaused    = "recurring.paused"
	EventRecurringCompleted = "recurring.completed"

	// Gateway callbacks relayed for asynchronous settlement
	EventGatewayCallback = "gateway.callback"

	// NotificationPrefix prefixes every notification event type
	NotificationPrefix = "notification."
)

// StreamSubjects are the subjects of the domain event stream. Relayed gateway
// callbacks live on a stream of their own.
var StreamSubjects = []string{
	"events.wallet.>",
	"events.payment.>",
	"events.bill.>",
	"events.recurring.>",
	"events.notification.>",
}

// Event data structures

// WalletCreatedData is the data for wallet.created events
type WalletCreatedData struct {
	WalletID string `json:"wallet_id"`
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`
}

// WalletMovementData is the data for wallet.credited and wallet.debited events
type WalletMovementData struct {
	WalletID         string `json:"wallet_id"`
	TransactionID    string `json:"transaction_id"`
	Type             string `json:"type"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"available_balance"`
}

// PaymentData is the data for payment.* events
type PaymentData struct {
	TransactionID     string `json:"transaction_id"`
	UserID            string `json:"user_id"`
	Provider          string `json:"provider"`
	ProviderReference string `json:"provider_reference,omitempty"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	FailureReason     string `json:"failure_reason,omitempty"`
}

// BillData is the data for bill.* events
type BillData struct {
	BillID     string `json:"bill_id"`
	BillNumber string `json:"bill_number"`
	UserID     string `json:"user_id,omitempty"`
	Type       string `json:"type"`
	Amount     string `json:"amount"`
	PaidAmount string `json:"paid_amount"`
	Status     string `json:"status"`
	ActorID    string `json:"actor_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RecurringData is the data for recurring.* events
type RecurringData struct {
	RecurringPaymentID string    `json:"recurring_payment_id"`
	UserID             string    `json:"user_id"`
	Status             string    `json:"status"`
	FailedAttempts     int       `json:"failed_attempts"`
	TotalPayments      int       `json:"total_payments"`
	NextPaymentDate    time.Time `json:"next_payment_date"`
}

// GatewayCallbackData carries a verified gateway callback to the settlement consumer
type GatewayCallbackData struct {
	Provider   string `json:"provider"`
	Reference  string `json:"reference"`
	Succeeded  bool   `json:"succeeded"`
	Amount     string `json:"amount,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ProviderID string `json:"provider_transaction_id,omitempty"`
}
