package taskq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/store"
)

// Handler executes one stage kind. The returned bytes become the next
// stage's payload and are persisted as the task's result.
type Handler func(ctx context.Context, msg *Message) ([]byte, error)

// ConsumerConfig tunes one queue consumer.
type ConsumerConfig struct {
	Queue        string
	Prefetch     int
	Concurrency  int
	StageTimeout time.Duration // visibility timeout: redelivery bound per stage

	// RetryMax bounds the total executions of one stage, first delivery
	// included: a stage that fails its RetryMax'th run fails the chain
	// instead of being rescheduled.
	RetryMax int

	BackoffBase time.Duration
}

// publisher is the slice of the broker client the consumer publishes
// through.
type publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
	PublishRetry(ctx context.Context, queue string, body []byte, delay time.Duration) error
}

// taskStates is the slice of the task repository the consumer writes.
type taskStates interface {
	MarkStarted(ctx context.Context, id string) error
	MarkSuccess(ctx context.Context, id string, result []byte) error
	MarkFailure(ctx context.Context, id string, reason string) error
	MarkChainFailure(ctx context.Context, ids []string, reason string) error
}

// Consumer consumes one work queue, dispatches stage handlers by kind,
// and drives the chain and task-state transitions.
type Consumer struct {
	client   *Client
	pub      publisher
	tasks    taskStates
	cfg      ConsumerConfig
	handlers map[string]Handler
}

// NewConsumer creates a consumer for one queue.
func NewConsumer(client *Client, tasks *store.TaskRepository, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Concurrency
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		client:   client,
		pub:      client,
		tasks:    tasks,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a stage kind.
func (c *Consumer) Handle(kind string, h Handler) {
	c.handlers[kind] = h
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.client.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("could not set prefetch: %w", err)
	}

	deliveries, err := c.client.channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not consume %s: %w", c.cfg.Queue, err)
	}

	sem := make(chan struct{}, c.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%s: delivery channel closed", c.cfg.Queue)
			}
			sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				c.handleDelivery(ctx, d)
			}(delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		log.Printf("%s: dropping invalid message: %v", c.cfg.Queue, err)
		_ = delivery.Ack(false)
		return
	}
	if err := msg.Validate(); err != nil {
		log.Printf("%s: dropping malformed chain: %v", c.cfg.Queue, err)
		_ = delivery.Ack(false)
		return
	}

	handler, ok := c.handlers[msg.Kind()]
	if !ok {
		log.Printf("%s: no handler for kind %s, failing task %s", c.cfg.Queue, msg.Kind(), msg.TaskID())
		c.failChain(ctx, &msg, fmt.Errorf("unknown stage kind %s", msg.Kind()))
		_ = delivery.Ack(false)
		return
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.StageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, c.cfg.StageTimeout)
		defer cancel()
	}

	if err := c.tasks.MarkStarted(stageCtx, msg.TaskID()); err != nil {
		log.Printf("%s: could not mark task %s started: %v", c.cfg.Queue, msg.TaskID(), err)
		_ = delivery.Nack(false, true)
		return
	}

	result, err := handler(stageCtx, &msg)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Timed out or shutting down: requeue for redelivery. Stages
			// write with content-addressed keys, so redelivery is safe.
			_ = delivery.Nack(false, true)
			return
		}
		if permanent(err) {
			c.failChain(ctx, &msg, err)
			_ = delivery.Ack(false)
			return
		}
		c.scheduleRetry(ctx, &msg, err)
		_ = delivery.Ack(false)
		return
	}

	if err := c.tasks.MarkSuccess(ctx, msg.TaskID(), result); err != nil {
		log.Printf("%s: could not mark task %s success: %v", c.cfg.Queue, msg.TaskID(), err)
		_ = delivery.Nack(false, true)
		return
	}

	if next := msg.Next(result); next != nil {
		body, err := json.Marshal(next)
		if err != nil {
			log.Printf("%s: could not marshal next stage: %v", c.cfg.Queue, err)
			c.failChain(ctx, next, err)
		} else if err := c.pub.Publish(ctx, c.cfg.Queue, body); err != nil {
			log.Printf("%s: could not publish next stage: %v", c.cfg.Queue, err)
			c.failChain(ctx, next, err)
		}
	}

	_ = delivery.Ack(false)
}

// permanent reports whether an error must not be retried: any classified
// failure code is a deliberate verdict, only unclassified (internal)
// errors are treated as transient infrastructure.
func permanent(err error) bool {
	return fault.CodeOf(err) != fault.Internal
}

// scheduleRetry reschedules a transiently failed stage. msg.Attempt
// counts prior executions, so execution n carries Attempt n-1; once the
// next execution would exceed RetryMax total runs the chain fails.
func (c *Consumer) scheduleRetry(ctx context.Context, msg *Message, cause error) {
	nextAttempt := msg.Attempt + 1
	if nextAttempt >= c.cfg.RetryMax {
		c.failChain(ctx, msg, fmt.Errorf("retries exhausted after %d attempts: %w", nextAttempt, cause))
		return
	}

	// base * 2^(attempt-1): base, 2*base, 4*base, ...
	delay := c.cfg.BackoffBase << (nextAttempt - 1)

	retry := *msg
	retry.Attempt = nextAttempt
	body, err := json.Marshal(&retry)
	if err != nil {
		c.failChain(ctx, msg, err)
		return
	}

	log.Printf("%s: task %s attempt %d failed, retrying in %s: %v",
		c.cfg.Queue, msg.TaskID(), nextAttempt, delay, cause)
	if err := c.pub.PublishRetry(ctx, c.cfg.Queue, body, delay); err != nil {
		log.Printf("%s: could not schedule retry: %v", c.cfg.Queue, err)
		c.failChain(ctx, msg, cause)
	}
}

// failChain marks the current task FAILURE with the cause and cascades
// FAILURE to every downstream task so clients polling the chain see a
// terminal state everywhere.
func (c *Consumer) failChain(ctx context.Context, msg *Message, cause error) {
	reason := cause.Error()
	if code := fault.CodeOf(cause); code != fault.Internal {
		reason = string(code)
		var ferr *fault.Error
		if errors.As(cause, &ferr) && ferr.Detail != "" {
			reason = string(code) + ": " + ferr.Detail
		}
	}

	if err := c.tasks.MarkFailure(ctx, msg.TaskID(), reason); err != nil {
		log.Printf("%s: could not mark task %s failed: %v", c.cfg.Queue, msg.TaskID(), err)
	}
	if down := msg.Downstream(); len(down) > 0 {
		if err := c.tasks.MarkChainFailure(ctx, down, "upstream stage failed"); err != nil {
			log.Printf("%s: could not fail downstream tasks: %v", c.cfg.Queue, err)
		}
	}
}
