package payments

import (
	"context"
	"fmt"
	"log/slog"

	"estateledger/internal/common/events"
	"estateledger/internal/common/nats"
)

// Relay stream and consumer names.
const (
	CallbackStream   = "GATEWAY_CALLBACKS"
	CallbackConsumer = "ledger-callback-settler"
)

// CallbackSubject is the subject verified gateway callbacks are relayed on.
var CallbackSubject = nats.Subject(events.EventGatewayCallback)

// CallbackRelay settles gateway callbacks relayed through JetStream.
type CallbackRelay struct {
	client  *nats.Client
	service *Service
	logger  *slog.Logger
}

// NewCallbackRelay makes service publish verified callbacks to JetStream and
// returns the consumer that settles them.
func NewCallbackRelay(client *nats.Client, service *Service, logger *slog.Logger) *CallbackRelay {
	service.EnableAsyncCallbacks(nats.NewPublisher(client, logger))
	return &CallbackRelay{
		client:  client,
		service: service,
		logger:  logger,
	}
}

// Run consumes relayed callbacks until ctx is cancelled. Failed settlements
// are Nak'ed and redelivered.
func (r *CallbackRelay) Run(ctx context.Context) error {
	if _, err := r.client.EnsureStream(ctx, nats.DefaultStreamConfig(CallbackStream, []string{CallbackSubject})); err != nil {
		return fmt.Errorf("ensuring callback stream: %w", err)
	}
	consumer, err := r.client.EnsureConsumer(ctx, nats.DefaultConsumerConfig(CallbackConsumer, CallbackStream, CallbackSubject))
	if err != nil {
		return fmt.Errorf("ensuring callback consumer: %w", err)
	}

	r.logger.Info("settling relayed gateway callbacks", "subject", CallbackSubject)
	return nats.NewSubscriber(r.client, consumer, r.logger).Start(ctx, r.service.HandleRelayedCallback)
}
