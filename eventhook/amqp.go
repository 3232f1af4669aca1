package eventhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "rebill.events"

// routingPrefix namespaces routing keys so the exchange can be shared.
const routingPrefix = "billing."

var _ Publisher = (*AMQPPublisher)(nil)

// AMQPPublisher publishes events to a RabbitMQ topic exchange. Routing keys
// are the event type under the "billing." prefix, e.g.
// "billing.payment.succeeded".
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string

	mu      sync.Mutex
	channel *amqp091.Channel
}

// DialAMQP connects to RabbitMQ and declares the durable topic exchange.
// An empty exchange name uses DefaultExchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Dial: amqp091.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("rebill/eventhook: dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // connection is being abandoned
		return nil, fmt.Errorf("rebill/eventhook: open channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		conn.Close() //nolint:errcheck // connection is being abandoned
		return nil, err
	}

	return &AMQPPublisher{conn: conn, exchange: exchange, channel: ch}, nil
}

func declareExchange(ch *amqp091.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
	if err != nil {
		return fmt.Errorf("rebill/eventhook: declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Publish implements Publisher. A broken channel is reopened and the
// publish retried once; persistent delivery keeps events across broker
// restarts.
func (p *AMQPPublisher) Publish(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("rebill/eventhook: marshal event: %w", err)
	}

	key := routingPrefix + evt.Type
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    evt.ID,
		Type:         evt.Type,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg); err == nil {
		return nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("rebill/eventhook: reopen channel: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		return err
	}
	p.channel = ch

	if err := p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("rebill/eventhook: publish %s: %w", key, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close() //nolint:errcheck // connection close below supersedes
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
