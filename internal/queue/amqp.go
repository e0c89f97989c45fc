package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/metrics"
	"github.com/unclebandit/notification-campaigns/internal/trace"
)

const maxDeliveryAttempts = 3

// delayTiers are the fixed TTLs of the holding queues, longest first. Every
// message in one holding queue shares its TTL, so expiry follows publish
// order and nothing waits behind a longer delay.
var delayTiers = []time.Duration{
	time.Hour,
	15 * time.Minute,
	5 * time.Minute,
	time.Minute,
	30 * time.Second,
	5 * time.Second,
	time.Second,
}

// tierFor returns the longest tier that does not overshoot remaining. A
// remaining delay below the shortest tier is delivered right away.
func tierFor(remaining time.Duration) (time.Duration, bool) {
	for _, tier := range delayTiers {
		if remaining >= tier {
			return tier, true
		}
	}
	return 0, false
}

func delayQueueName(queueName string, tier time.Duration) string {
	return fmt.Sprintf("%s.delay.%dms", queueName, tier.Milliseconds())
}

// AMQPTriggerQueue delays triggers through holding queues with a
// queue-level TTL that dead-letter into the trigger queue. A delay longer
// than one tier hops: the consumer sees the envelope's not_before is still
// ahead and routes it to the next tier instead of handling it.
type AMQPTriggerQueue struct {
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewAMQPTriggerQueue declares the trigger queue and one holding queue per
// delay tier on ch.
func NewAMQPTriggerQueue(ch *amqp.Channel, queueName string, logger *zap.Logger) (*AMQPTriggerQueue, error) {
	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare %s: %w", queueName, err)
	}
	for _, tier := range delayTiers {
		name := delayQueueName(queueName, tier)
		if _, err := ch.QueueDeclare(
			name,
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-message-ttl":             tier.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": queueName,
			},
		); err != nil {
			return nil, fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return &AMQPTriggerQueue{
		ch:     ch,
		queue:  queueName,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (q *AMQPTriggerQueue) Enqueue(ctx context.Context, t Trigger, delay time.Duration) error {
	return q.publish(newEnvelope(t, trace.FromContext(ctx), delay, q.now()))
}

// route picks the queue for env from the time left until its not_before.
func (q *AMQPTriggerQueue) route(env Envelope) (string, time.Duration) {
	remaining := env.Meta.NotBefore.Sub(q.now())
	if tier, ok := tierFor(remaining); ok {
		return delayQueueName(q.queue, tier), remaining
	}
	return q.queue, 0
}

func (q *AMQPTriggerQueue) publish(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		Body:         body,
	}
	routingKey, remaining := q.route(env)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Publish("", routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish trigger %s: %w", env.Data, err)
	}
	q.logger.Debug("trigger enqueued",
		zap.String("trigger", env.Data.String()),
		zap.String("message_id", env.Meta.ID),
		zap.String("queue", routingKey),
		zap.Duration("remaining", remaining),
	)
	return nil
}

// Consume delivers triggers to h until ctx is cancelled or the channel
// closes. A failed trigger is re-published with backoff up to three
// attempts; malformed messages are dropped.
func (q *AMQPTriggerQueue) Consume(ctx context.Context, h Handler) error {
	msgs, err := q.ch.Consume(
		q.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("trigger channel closed")
			}
			q.handle(ctx, d, h)
		}
	}
}

func (q *AMQPTriggerQueue) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		q.logger.Warn("dropping invalid trigger", zap.Error(err))
		metrics.RecordTrigger("invalid", "dropped")
		_ = d.Ack(false)
		return
	}

	if routingKey, _ := q.route(env); routingKey != q.queue {
		if err := q.publish(env); err != nil {
			q.logger.Error("failed to forward delayed trigger", zap.String("trigger", env.Data.String()), zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	ctx = trace.WithContext(ctx, env.Meta.TraceID)
	kind := string(env.Data.Kind)
	if err := h(ctx, env.Data); err != nil {
		env.Meta.Attempt++
		if env.Meta.Attempt >= maxDeliveryAttempts {
			q.logger.Error("trigger dropped after retries",
				zap.String("trigger", env.Data.String()),
				zap.String("message_id", env.Meta.ID),
				zap.Error(err),
			)
			metrics.RecordTrigger(kind, "dropped")
			_ = d.Ack(false)
			return
		}
		backoff := time.Duration(env.Meta.Attempt) * 5 * time.Second
		env.Meta.NotBefore = q.now().Add(backoff)
		if perr := q.publish(env); perr != nil {
			q.logger.Error("failed to requeue trigger", zap.String("trigger", env.Data.String()), zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		metrics.RecordTrigger(kind, "retried")
		_ = d.Ack(false)
		return
	}
	metrics.RecordTrigger(kind, "ok")
	_ = d.Ack(false)
}
