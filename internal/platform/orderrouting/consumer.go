package orderrouting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/emergency"
)

// ResultMessage is sent back by a downstream system. Status "completed" (or
// empty) carries a result; "in_progress" and "cancelled" only move the order.
type ResultMessage struct {
	VisitID    string `json:"visit_id"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status,omitempty"`
	Result     string `json:"result,omitempty"`
	ReportedBy string `json:"reported_by,omitempty"`
}

// ResultSink receives order updates. *emergency.Service satisfies it.
type ResultSink interface {
	UpdateOrderResult(ctx context.Context, visitID, orderID uuid.UUID, req emergency.OrderResultRequest) (*emergency.Outcome, error)
	UpdateOrderStatus(ctx context.Context, visitID, orderID uuid.UUID, req emergency.OrderStatusRequest) (*emergency.Outcome, error)
}

var errPoison = errors.New("unprocessable result message")

// Consumer reads result messages from a durable queue and applies them.
// Messages that can never apply go to the dead-letter queue; dependency
// failures are requeued.
type Consumer struct {
	ch       Channel
	sink     ResultSink
	queue    string
	prefetch int
	logger   zerolog.Logger

	mu       sync.Mutex
	handled  int
	deadened int
}

// NewConsumer declares the result and dead-letter queues and sets QoS.
func NewConsumer(ch Channel, sink ResultSink, queue string, prefetch int, logger zerolog.Logger) (*Consumer, error) {
	if queue == "" {
		queue = DefaultResultQueue
	}
	for _, q := range []string{queue, DeadLetterQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{
		ch:       ch,
		sink:     sink,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger.With().Str("component", "result_consumer").Str("queue", queue).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "edflow-results", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info().Int("prefetch", c.prefetch).Msg("result consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle applies a single delivery and settles it.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	err := c.apply(ctx, d.Body)
	switch {
	case err == nil:
		c.count(false)
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Msg("failed to ack result")
		}
	case errors.Is(err, errPoison) || !retryable(err):
		c.logger.Warn().Err(err).Str("message_id", d.MessageId).Msg("result dead-lettered")
		if pubErr := c.deadLetter(ctx, d); pubErr != nil {
			c.logger.Error().Err(pubErr).Msg("failed to dead-letter result")
			_ = d.Nack(false, true)
			return
		}
		c.count(true)
		_ = d.Ack(false)
	default:
		c.logger.Warn().Err(err).Str("message_id", d.MessageId).Msg("result requeued")
		_ = d.Nack(false, true)
	}
}

func (c *Consumer) apply(ctx context.Context, body []byte) error {
	var msg ResultMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	visitID, err := uuid.Parse(msg.VisitID)
	if err != nil {
		return fmt.Errorf("%w: visit_id: %v", errPoison, err)
	}
	orderID, err := uuid.Parse(msg.OrderID)
	if err != nil {
		return fmt.Errorf("%w: order_id: %v", errPoison, err)
	}

	switch emergency.OrderStatus(msg.Status) {
	case "", emergency.OrderCompleted:
		_, err = c.sink.UpdateOrderResult(ctx, visitID, orderID, emergency.OrderResultRequest{
			Result:     msg.Result,
			ReportedBy: msg.ReportedBy,
		})
	case emergency.OrderInProgress, emergency.OrderCancelled:
		_, err = c.sink.UpdateOrderStatus(ctx, visitID, orderID, emergency.OrderStatusRequest{
			Status:    emergency.OrderStatus(msg.Status),
			UpdatedBy: msg.ReportedBy,
		})
	default:
		return fmt.Errorf("%w: unknown status %q", errPoison, msg.Status)
	}
	return err
}

// retryable reports whether a later redelivery could succeed.
func retryable(err error) bool {
	switch emergency.KindOf(err) {
	case emergency.KindDependencyFailure, emergency.KindConflict, emergency.KindInternal:
		return true
	}
	return false
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery) error {
	return c.ch.PublishWithContext(ctx, "", DeadLetterQueue, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
	})
}

func (c *Consumer) count(dead bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dead {
		c.deadened++
		return
	}
	c.handled++
}

// Stats returns how many results were applied and dead-lettered.
func (c *Consumer) Stats() (handled, deadLettered int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handled, c.deadened
}
