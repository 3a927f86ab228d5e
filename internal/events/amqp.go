package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends an encoded message under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// RabbitPublisher publishes to a durable fanout exchange.
type RabbitPublisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewRabbitPublisher dials url and declares exchange.
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitPublisher{conn: conn, exchange: exchange}, nil
}

// Publish opens a short lived channel per message.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	return ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
}

// Close closes the underlying connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}

// AMQPNotifier forwards domain events to a Publisher, routed by topic.
type AMQPNotifier struct {
	Publisher Publisher
}

// Notify encodes event as JSON and publishes it.
func (n AMQPNotifier) Notify(ctx context.Context, event DomainEvent) error {
	if n.Publisher == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode domain event: %w", err)
	}
	return n.Publisher.Publish(ctx, event.Topic, body)
}
