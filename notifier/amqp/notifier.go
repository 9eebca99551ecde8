// Package amqpnotifier publishes auth notifications and activity to a
// RabbitMQ exchange, for mail workers and activity consumers living outside
// the auth process.
package amqpnotifier

import (
	"context"
	"encoding/json"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/plinthio/go-auth"
	"github.com/plinthio/go-auth/activitymap"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange           = "auth.notifications"
	DefaultRoutingKey         = "auth.notification"
	DefaultActivityRoutingKey = "auth.activity"
)

// Publisher is the subset of *amqp.Channel used to publish.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Notifier implements auth.Notifier and auth.ActivitySink.
type Notifier struct {
	publisher       Publisher
	exchange        string
	routingKey      string
	activityKey     string
	activityOptions []activitymap.Option
	now             func() time.Time
}

type Option func(*Notifier)

func WithExchange(exchange string) Option {
	return func(n *Notifier) {
		if exchange != "" {
			n.exchange = exchange
		}
	}
}

func WithRoutingKey(key string) Option {
	return func(n *Notifier) {
		if key != "" {
			n.routingKey = key
		}
	}
}

func WithActivityRoutingKey(key string) Option {
	return func(n *Notifier) {
		if key != "" {
			n.activityKey = key
		}
	}
}

// WithActivityOptions sets the normalization options applied to activity events.
func WithActivityOptions(opts ...activitymap.Option) Option {
	return func(n *Notifier) {
		n.activityOptions = append(n.activityOptions, opts...)
	}
}

func WithClock(clock func() time.Time) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.now = clock
		}
	}
}

var (
	_ auth.Notifier     = (*Notifier)(nil)
	_ auth.ActivitySink = (*Notifier)(nil)
)

func New(publisher Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		publisher:   publisher,
		exchange:    DefaultExchange,
		routingKey:  DefaultRoutingKey,
		activityKey: DefaultActivityRoutingKey,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Deliver publishes the notification as a persistent JSON message.
func (n *Notifier) Deliver(ctx context.Context, notification auth.Notification) error {
	return n.publish(ctx, n.routingKey, string(notification.Purpose), notification)
}

// Record publishes the normalized activity event.
func (n *Notifier) Record(ctx context.Context, event auth.ActivityEvent) error {
	normalized := activitymap.Normalize(event, n.activityOptions...)
	return n.publish(ctx, n.activityKey, normalized.Verb, normalized)
}

func (n *Notifier) publish(ctx context.Context, key, messageType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode message")
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.now().UTC(),
		Type:         messageType,
		Body:         body,
	}

	if err := n.publisher.PublishWithContext(ctx, n.exchange, key, false, false, msg); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish message").
			WithMetadata(map[string]any{"exchange": n.exchange, "routing_key": key})
	}
	return nil
}

// Connection owns the broker connection behind a Notifier.
type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Dial connects to url, declares a durable topic exchange and returns a
// Notifier publishing to it. Close the returned Connection on shutdown.
func Dial(url string, cfg auth.AMQPSettings, opts ...Option) (*Notifier, *Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to dial broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to open broker channel")
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to declare exchange").
			WithMetadata(map[string]any{"exchange": exchange})
	}

	opts = append([]Option{WithExchange(exchange), WithRoutingKey(cfg.RoutingKey)}, opts...)
	return New(ch, opts...), &Connection{conn: conn, channel: ch}, nil
}
