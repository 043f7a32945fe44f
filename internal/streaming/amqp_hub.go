package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange run events are published to.
const DefaultExchange = "stepflow.events"

// Publisher is the subset of *amqp.Channel the hub needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the envelope written to the broker.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   StreamEvent `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// AMQPHub fans run events out to a RabbitMQ topic exchange and delivers them
// to in-process subscribers through a MemoryHub. Routing keys have the form
// "run.<event_type>".
type AMQPHub struct {
	local    *MemoryHub
	pub      Publisher
	exchange string
	logger   *slog.Logger
	closer   func() error
}

// NewAMQPHub builds a hub over an existing publisher.
func NewAMQPHub(pub Publisher, exchange string, local *MemoryHub, logger *slog.Logger) *AMQPHub {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if local == nil {
		local = NewMemoryHub()
	}
	return &AMQPHub{local: local, pub: pub, exchange: exchange, logger: logger, closer: func() error { return nil }}
}

// DialAMQPHub connects to url, declares the durable topic exchange and
// returns a hub publishing to it.
func DialAMQPHub(url string, logger *slog.Logger) (*AMQPHub, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(DefaultExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", DefaultExchange, err)
	}

	h := NewAMQPHub(ch, DefaultExchange, nil, logger)
	h.closer = func() error {
		if err := ch.Close(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("close channel: %w", err)
		}
		return conn.Close()
	}
	logger.Info("connected to RabbitMQ", slog.String("exchange", DefaultExchange))
	return h, nil
}

// Publish delivers locally, then writes the event to the broker.
func (h *AMQPHub) Publish(ctx context.Context, event StreamEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := h.local.Publish(ctx, event); err != nil {
		return err
	}

	msg := Message{
		ID:        uuid.New().String(),
		Type:      event.EventType,
		Payload:   event,
		Timestamp: event.Timestamp,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := RoutingKey(event.EventType)
	err = h.pub.PublishWithContext(ctx, h.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", h.exchange, key, err)
	}

	h.logger.Debug("published run event",
		slog.String("routing_key", key),
		slog.String("run_id", event.RunID),
		slog.String("message_id", msg.ID),
	)
	return nil
}

// Subscribe subscribes to events published through this process.
func (h *AMQPHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	return h.local.Subscribe(ctx, filter)
}

// Close releases the broker connection.
func (h *AMQPHub) Close() error {
	return h.closer()
}

// RoutingKey returns the routing key for an event type.
func RoutingKey(eventType string) string {
	return "run." + eventType
}
