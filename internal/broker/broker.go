// Package broker wraps the RabbitMQ-compatible connection and channel
// setup shared by the supervisor (queue-depth sampling) and every worker
// (consume/publish/ack). It is the only package that dials the broker and
// opens channels; worker imports the AMQP driver only for its Delivery
// type — spec.md §6 names the broker contract, not a specific vendor, and
// this is where that contract is satisfied.
package broker

import (
	"fmt"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnavailable wraps any failure to dial the broker or open a channel,
// matching the BrokerUnavailable kind from spec.md §7.
var ErrUnavailable = errors.New("broker unavailable")

// Dialer holds the connection parameters needed to open a fresh
// connection. One Dialer is shared read-only across the supervisor and
// every worker; each caller opens its own Connection from it.
type Dialer struct {
	Host     string
	Port     int
	User     string
	Password string
}

// URL renders the AMQP connection string for this dialer.
func (d Dialer) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", d.User, d.Password, d.Host, d.Port)
}

// Connection bundles an AMQP connection with one channel opened on it.
// Connections are never shared across workers — each call to Dial opens
// an independent TCP connection and channel pair.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial opens a new connection and channel pair against the broker.
func (d Dialer) Dial() (*Connection, error) {
	conn, err := amqp.Dial(d.URL())
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	return &Connection{conn: conn, ch: ch}, nil
}

// Channel exposes the raw AMQP channel for callers that need direct
// access (QoS, Consume, Publish, QueueInspect).
func (c *Connection) Channel() *amqp.Channel {
	return c.ch
}

// Close tears down the channel then the connection, best-effort.
func (c *Connection) Close() error {
	var firstErr error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeclareDurable declares a durable queue, matching the broker contract
// in spec.md §6 (durable queue declaration).
func (c *Connection) DeclareDurable(name string) error {
	_, err := c.ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.Wrapf(err, "declare queue %q", name)
	}
	return nil
}

// SetPrefetch sets per-consumer prefetch to n, enforcing strictly
// sequential delivery within one worker (spec.md §4.1, §5).
func (c *Connection) SetPrefetch(n int) error {
	if err := c.ch.Qos(n, 0, false); err != nil {
		return errors.Wrap(err, "set QoS prefetch")
	}
	return nil
}

// Consume begins a manual-ack, non-exclusive consumer on queue.
func (c *Connection) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(
		queue,
		consumerTag,
		false, // auto-ack disabled — manual ack is the invariant in spec.md §4.1
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "consume from %q", queue)
	}
	return deliveries, nil
}

// PublishPersistent publishes body to queue as a persistent message
// (delivery_mode=2), matching the "persistent delivery" requirement of
// spec.md §4.1 step 3.
func (c *Connection) PublishPersistent(queue string, body []byte) error {
	err := c.ch.Publish(
		"",    // default exchange
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "publish to %q", queue)
	}
	return nil
}

// MessageCount queries the broker's synchronous RPC for a queue's
// current backlog, per spec.md §6's sampling requirement.
func (c *Connection) MessageCount(queue string) (int, error) {
	q, err := c.ch.QueueInspect(queue)
	if err != nil {
		return 0, errors.Wrapf(err, "inspect queue %q", queue)
	}
	return q.Messages, nil
}
