// Package orderrouting carries ED orders to the lab, imaging and pharmacy
// systems over RabbitMQ and feeds their results back into the engine.
package orderrouting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/emergency"
)

const (
	DefaultExchange    = "ed.orders"
	DefaultResultQueue = "ed.order_results"
	DeadLetterQueue    = "ed.order_results.dlq"

	contentTypeJSON = "application/json"
)

// Channel is the subset of *amqp.Channel used by the publisher and consumer.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// OrderMessage is the wire form of a routed order.
type OrderMessage struct {
	OrderID        string         `json:"order_id"`
	VisitID        string         `json:"visit_id"`
	PatientID      string         `json:"patient_id"`
	Type           string         `json:"type"`
	Name           string         `json:"name"`
	Priority       string         `json:"priority"`
	OrderedBy      string         `json:"ordered_by"`
	OrderedAt      time.Time      `json:"ordered_at"`
	ChiefComplaint string         `json:"chief_complaint,omitempty"`
	Location       *locationField `json:"location,omitempty"`
}

type locationField struct {
	Zone  string `json:"zone"`
	BedID string `json:"bed_id,omitempty"`
}

// RoutingKey returns the topic routing key for an order type, e.g. "order.lab".
func RoutingKey(t emergency.OrderType) string {
	return "order." + string(t)
}

// Publisher implements emergency.OrderRouter by publishing each placed order
// to a topic exchange keyed by order type.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	logger   zerolog.Logger
}

// NewPublisher declares the durable topic exchange and returns a publisher.
func NewPublisher(ch Channel, exchange string, logger zerolog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With().Str("component", "order_router").Logger(),
	}, nil
}

func newOrderMessage(v *emergency.Visit, o emergency.Order) OrderMessage {
	msg := OrderMessage{
		OrderID:        o.ID.String(),
		VisitID:        v.ID.String(),
		PatientID:      v.PatientID.String(),
		Type:           string(o.Type),
		Name:           o.Name,
		Priority:       string(o.Priority),
		OrderedBy:      o.OrderedBy,
		OrderedAt:      o.OrderedAt,
		ChiefComplaint: v.ChiefComplaint,
	}
	if v.Location != nil {
		msg.Location = &locationField{Zone: string(v.Location.Zone), BedID: v.Location.BedID}
	}
	return msg
}

// RouteOrder publishes the order. Stat orders get the highest AMQP priority.
func (p *Publisher) RouteOrder(ctx context.Context, v *emergency.Visit, o emergency.Order) error {
	body, err := json.Marshal(newOrderMessage(v, o))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(o.Priority),
		MessageId:    o.ID.String(),
		Timestamp:    o.OrderedAt,
		Headers: amqp.Table{
			"visit_id":   v.ID.String(),
			"order_type": string(o.Type),
		},
	}

	key := RoutingKey(o.Type)
	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish order to %s/%s: %w", p.exchange, key, err)
	}

	p.logger.Debug().
		Str("visit_id", v.ID.String()).
		Str("order_id", o.ID.String()).
		Str("routing_key", key).
		Msg("order routed")
	return nil
}

func amqpPriority(p emergency.OrderPriority) uint8 {
	switch p {
	case emergency.PriorityStat:
		return 9
	case emergency.PriorityUrgent:
		return 5
	default:
		return 1
	}
}

// Dial opens a connection and channel to the broker.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open RabbitMQ channel: %w", err)
	}
	return conn, ch, nil
}
