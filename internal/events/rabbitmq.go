package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// RabbitMQPublisher publishes persistent messages to a durable queue.
type RabbitMQPublisher struct {
	url   string
	queue string
	log   *logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQPublisher dials the broker and declares the queue.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, queue string, log *logger.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: cfg.URL, queue: queue, log: log.Component("rabbitmq")}
	if err := p.connect(); err != nil {
		return nil, err
	}

	log.Info().Str("queue", queue).Msg("Connected to RabbitMQ")
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", p.queue, err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// Publish sends the event, reconnecting once if the channel was closed.
func (p *RabbitMQPublisher) Publish(ctx context.Context, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		if err := p.connect(); err != nil {
			return err
		}
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", p.queue, err)
	}

	p.log.Debug().Str("key", key).Msg("Message sent to RabbitMQ")
	return nil
}

// Close closes the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
