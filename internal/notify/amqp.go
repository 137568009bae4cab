package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// amqpChannel is the part of *amqp.Channel the sink uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events to a durable topic exchange with the event type as
// routing key.
type AMQPSink struct {
	url      string
	exchange string
	dial     func(url string) (amqpChannel, func() error, error)

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
}

func NewAMQPSink(url, exchange string) *AMQPSink {
	return &AMQPSink{url: url, exchange: exchange, dial: dialAMQP}
}

func dialAMQP(url string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) channel() (amqpChannel, error) {
	if a.ch != nil {
		return a.ch, nil
	}
	ch, closeConn, err := a.dial(a.url)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		closeConn()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	a.ch, a.closeConn = ch, closeConn
	return ch, nil
}

func (a *AMQPSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := a.channel()
	if err != nil {
		return err
	}
	err = ch.Publish(a.exchange, e.Type, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		// Reconnect on the next send.
		a.reset()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQPSink) reset() {
	if a.ch != nil {
		a.ch.Close()
	}
	if a.closeConn != nil {
		a.closeConn()
	}
	a.ch, a.closeConn = nil, nil
}

func (a *AMQPSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}
