package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// AMQPConfig configures the broker event sink
type AMQPConfig struct {
	URL        string
	Exchange   string // empty publishes to the default exchange
	RoutingKey string
}

// Publisher publishes open events to an AMQP broker. The connection is
// dialed lazily and re-dialed after a failed publish.
type Publisher struct {
	cfg    AMQPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher creates a broker event sink
func NewPublisher(cfg AMQPConfig, logger *slog.Logger) *Publisher {
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = EventOpened
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "amqp"),
	}
}

// Name returns the sink name used in metrics
func (p *Publisher) Name() string {
	return "amqp"
}

// Send publishes one event as a persistent JSON message
func (p *Publisher) Send(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.Publish(p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         ev.Event,
		MessageId:    ev.RecipientID + ":" + fmt.Sprint(ev.OpenCount),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if p.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	p.logger.Info("connected to broker", "exchange", p.cfg.Exchange, "routing_key", p.cfg.RoutingKey)
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// Close closes the broker connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}
