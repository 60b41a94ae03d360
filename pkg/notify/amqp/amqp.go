// Package amqp publishes engine notices to RabbitMQ.
//
// Each notice is published as persistent JSON to a topic exchange with the routing key
// "<prefix><kind>", e.g. "notice.grace_started", so consumers can bind to the kinds they send
// messages for.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Channel is the publishing surface of *amqp091.Channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Config holds configuration for the notifier
type Config struct {
	// Exchange is the topic exchange notices are published to (default: "gosubs.notices")
	Exchange string

	// RoutingKeyPrefix is prepended to the notice kind (default: "notice.")
	RoutingKeyPrefix string

	Logger gosubs.Logger
}

// Notifier implements gosubs.Notifier over an AMQP channel.
type Notifier struct {
	ch     Channel
	conn   *amqp091.Connection
	config Config
}

var _ gosubs.Notifier = (*Notifier)(nil)

// New creates a notifier publishing on ch. The exchange must already exist.
func New(ch Channel, config Config) (*Notifier, error) {
	if ch == nil {
		return nil, fmt.Errorf("amqp channel is required")
	}
	if config.Exchange == "" {
		config.Exchange = "gosubs.notices"
	}
	if config.RoutingKeyPrefix == "" {
		config.RoutingKeyPrefix = "notice."
	}
	if config.Logger == nil {
		config.Logger = &gosubs.NoopLogger{}
	}
	return &Notifier{ch: ch, config: config}, nil
}

// Dial connects to url, declares the durable topic exchange and returns a notifier that owns
// the connection.
func Dial(url string, config Config) (*Notifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	n, err := New(ch, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	err = ch.ExchangeDeclare(
		n.config.Exchange,
		amqp091.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", n.config.Exchange, err)
	}
	n.conn = conn
	return n, nil
}

// Notify publishes notice. A nil notice is ignored.
func (n *Notifier) Notify(ctx context.Context, notice *gosubs.Notice) error {
	if notice == nil {
		return nil
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	key := n.config.RoutingKeyPrefix + string(notice.Kind)
	err = n.ch.PublishWithContext(ctx,
		n.config.Exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    notice.At,
			Type:         string(notice.Kind),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s notice: %w", notice.Kind, err)
	}

	n.config.Logger.Debug("notice published",
		gosubs.F("kind", notice.Kind), gosubs.F("user_id", notice.UserID), gosubs.F("routing_key", key))
	return nil
}

// Close closes the connection opened by Dial. It is a no-op for notifiers built with New.
func (n *Notifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
