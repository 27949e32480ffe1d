// Package taskq is the durable task runtime over RabbitMQ. Three named
// work queues (culling, smart_sharing, email) hang off one direct
// exchange; each has a companion retry queue that dead-letters back to
// the work exchange after a per-message TTL, which is how exponential
// backoff is implemented without a broker plugin.
package taskq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueCulling      = "culling"
	QueueSmartSharing = "smart_sharing"
	QueueEmail        = "email"

	exchangeTasks = "tasks.exchange"
	exchangeRetry = "tasks.retry.exchange"
)

var queues = []string{QueueCulling, QueueSmartSharing, QueueEmail}

// Client holds one AMQP connection and channel. Publishes are serialized
// because an amqp channel is not safe for concurrent writes.
type Client struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	publishMu sync.Mutex
}

// Dial connects to the broker and declares the full topology.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open channel: %w", err)
	}

	client := &Client{conn: conn, channel: ch}
	if err := client.declareTopology(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Close tears down the channel and connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) declareTopology() error {
	for _, exchange := range []string{exchangeTasks, exchangeRetry} {
		if err := c.channel.ExchangeDeclare(
			exchange, "direct", true, false, false, false, nil,
		); err != nil {
			return fmt.Errorf("could not declare exchange %s: %w", exchange, err)
		}
	}

	for _, queue := range queues {
		if _, err := c.channel.QueueDeclare(
			queue, true, false, false, false, nil,
		); err != nil {
			return fmt.Errorf("could not declare queue %s: %w", queue, err)
		}
		if err := c.channel.QueueBind(queue, queue, exchangeTasks, false, nil); err != nil {
			return fmt.Errorf("could not bind queue %s: %w", queue, err)
		}

		// Expired retry messages dead-letter straight back onto the
		// work queue.
		retryQueue := queue + ".retry"
		if _, err := c.channel.QueueDeclare(
			retryQueue, true, false, false, false,
			amqp.Table{
				"x-dead-letter-exchange":    exchangeTasks,
				"x-dead-letter-routing-key": queue,
			},
		); err != nil {
			return fmt.Errorf("could not declare queue %s: %w", retryQueue, err)
		}
		if err := c.channel.QueueBind(retryQueue, retryQueue, exchangeRetry, false, nil); err != nil {
			return fmt.Errorf("could not bind queue %s: %w", retryQueue, err)
		}
	}
	return nil
}

// Publish enqueues a message on a work queue.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	return c.publish(ctx, exchangeTasks, queue, body, "")
}

// PublishRetry enqueues a message on a retry queue with a per-message
// TTL. When the TTL expires the broker moves it back onto the work queue.
func (c *Client) PublishRetry(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	expiration := fmt.Sprintf("%d", delay.Milliseconds())
	return c.publish(ctx, exchangeRetry, queue+".retry", body, expiration)
}

func (c *Client) publish(ctx context.Context, exchange, key string, body []byte, expiration string) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if expiration != "" {
		msg.Expiration = expiration
	}
	if err := c.channel.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("could not publish to %s: %w", key, err)
	}
	return nil
}
