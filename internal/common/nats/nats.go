// Package nats carries ledger events over JetStream: domain events out to
// downstream consumers and verified gateway callbacks back in for settlement.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"estateledger/internal/common/events"
)

// SubjectPrefix prefixes every event subject.
const SubjectPrefix = "events."

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL"`
	Stream        string        `envconfig:"NATS_STREAM" default:"LEDGER"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"estateledger"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

// Client is a NATS connection with its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("nats connected", "url", conn.ConnectedUrl(), "stream", cfg.Stream)
	return &Client{conn: conn, js: js, logger: logger}, nil
}

// Close drains pending publishes before closing.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// StreamConfig defines a JetStream stream
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	// Duplicates is the window in which a repeated event id is dropped.
	Duplicates time.Duration
	Replicas   int
}

// DefaultStreamConfig keeps a week of events and dedups on event id for two
// minutes, long enough to cover a publisher retry.
func DefaultStreamConfig(name string, subjects []string) StreamConfig {
	return StreamConfig{
		Name:       name,
		Subjects:   subjects,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	}
}

// EnsureStream creates or updates a stream
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.Duplicates,
		Replicas:   cfg.Replicas,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring stream %s: %w", cfg.Name, err)
	}
	c.logger.Info("stream ensured", "name", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// ConsumerConfig defines a durable pull consumer.
type ConsumerConfig struct {
	Name          string
	Stream        string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

func DefaultConsumerConfig(name, stream, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		Stream:        stream,
		FilterSubject: filterSubject,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	}
}

// EnsureConsumer creates or updates a consumer
func (c *Client) EnsureConsumer(ctx context.Context, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s: %w", cfg.Name, err)
	}
	c.logger.Info("consumer ensured",
		"name", cfg.Name,
		"stream", cfg.Stream,
		"filter", cfg.FilterSubject,
	)
	return consumer, nil
}

// Subject maps an event type to its subject, e.g. bill.paid -> events.bill.paid.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Publisher publishes ledger events. It implements events.EventPublisher.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

var _ events.EventPublisher = (*Publisher)(nil)

// Publish sends event with its id as the JetStream message id, so a retried
// publish inside the dedup window is stored once.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := Subject(event.Type)
	ack, err := p.client.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"subject", subject,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// MessageHandler handles one decoded event. A returned error redelivers it.
type MessageHandler func(ctx context.Context, event *events.Event) error

// Subscriber feeds a consumer's messages to a MessageHandler.
type Subscriber struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
	// RetryDelay is how long a failed message waits before redelivery.
	RetryDelay time.Duration
}

func NewSubscriber(client *Client, consumer jetstream.Consumer, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		consumer:   consumer,
		logger:     logger,
		RetryDelay: 5 * time.Second,
	}
}

// Start consumes until ctx is done. Payloads that are not events are
// terminated since redelivery cannot fix them.
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	cc, err := s.consumer.Consume(func(msg jetstream.Msg) {
		var event events.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.Error("dropping undecodable message", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			return
		}

		if err := handler(ctx, &event); err != nil {
			attempt := uint64(0)
			if md, mdErr := msg.Metadata(); mdErr == nil {
				attempt = md.NumDelivered
			}
			s.logger.Error("handling event failed",
				"event_id", event.ID,
				"type", event.Type,
				"attempt", attempt,
				"error", err,
			)
			_ = msg.NakWithDelay(s.RetryDelay)
			return
		}

		if err := msg.Ack(); err != nil {
			s.logger.Warn("ack failed", "event_id", event.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}
