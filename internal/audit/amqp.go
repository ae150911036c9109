package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPPublisher publishes events to a durable topic exchange. The routing key
// is the lower-cased event type, e.g. "appointment_created".
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      *zap.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewAMQPPublisher(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		log:      log.Named("audit.amqp"),
		channel:  ch,
	}, nil
}

type wireEvent struct {
	Type          string         `json:"type"`
	AppointmentID string         `json:"appointment_id,omitempty"`
	SlotID        string         `json:"slot_id,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

func (p *AMQPPublisher) Write(ctx context.Context, ev Event) error {
	body, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, strings.ToLower(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}
	return nil
}

// ensureChannel reopens the channel after the broker closed it.
func (p *AMQPPublisher) ensureChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("reopen rabbitmq channel: %w", err)
	}
	p.log.Info("audit.amqp.channel.reopened", zap.String("exchange", p.exchange))
	p.channel = ch
	return ch, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	return p.conn.Close()
}

func toWire(ev Event) wireEvent {
	w := wireEvent{
		Type:       ev.Type,
		Payload:    ev.Payload,
		OccurredAt: ev.OccurredAt,
	}
	if ev.AppointmentID != nil {
		w.AppointmentID = ev.AppointmentID.String()
	}
	if ev.SlotID != nil {
		w.SlotID = ev.SlotID.String()
	}
	if ev.ActorID != nil {
		w.ActorID = ev.ActorID.String()
	}
	return w
}
