package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "snaplinked.events"

// AMQPChannel is the subset of *amqp.Channel the sink needs.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events to a topic exchange with routing key
// "<type>.<user>".
type AMQP struct {
	mu       sync.Mutex
	ch       AMQPChannel
	exchange string
	closers  []func() error
}

// NewAMQP wraps an open channel. The exchange must already exist.
func NewAMQP(ch AMQPChannel, exchange string) *AMQP {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQP{ch: ch, exchange: exchange}
}

// DialAMQP connects to url, opens a channel and declares a durable topic
// exchange.
func DialAMQP(url, exchange string) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: amqp exchange declare: %w", err)
	}
	a := NewAMQP(ch, exchange)
	a.closers = []func() error{ch.Close, conn.Close}
	return a, nil
}

// RoutingKey returns the routing key for ev.
func RoutingKey(ev Event) string { return string(ev.Type) + "." + ev.UserID }

func (a *AMQP) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: amqp marshal: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At.UTC(),
		Type:         string(ev.Type),
		Body:         body,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	// amqp channels are not safe for concurrent publishes.
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.PublishWithContext(ctx, a.exchange, RoutingKey(ev), false, false, msg); err != nil {
		return fmt.Errorf("events: amqp publish: %w", err)
	}
	return nil
}

func (a *AMQP) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
