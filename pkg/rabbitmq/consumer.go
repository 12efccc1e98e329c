package rabbitmq

import (
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// defaultPrefetch caps unacknowledged deliveries per consumer so one slow
// execution cannot hoard the queue. One worker runs per prefetched delivery.
const defaultPrefetch = 8

// Outcome tells the consumer what to do with a delivery after its handler ran.
type Outcome int

const (
	// Ack removes the message.
	Ack Outcome = iota
	// Requeue returns the message to the queue for another attempt.
	Requeue
	// Drop rejects the message without requeueing.
	Drop
)

// Handler processes one delivery body.
type Handler func(body []byte) Outcome

// Consumer dispatches routed deliveries of one queue to handlers.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	workers sync.WaitGroup
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(defaultPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings binds queueName to exchange for every routing key and
// dispatches deliveries to their handlers on background workers.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", routingKey, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for i := 0; i < defaultPrefetch; i++ {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			for d := range msgs {
				settle(d, dispatch(handlers, d))
			}
		}()
	}
	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" queue=%s bindings=%d workers=%d", q.Name, len(handlers), defaultPrefetch)
	return nil
}

func dispatch(handlers map[string]Handler, d amqp.Delivery) Outcome {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", d.RoutingKey)
		return Drop
	}
	return handler(d.Body)
}

func settle(d amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case Ack:
		err = d.Ack(false)
	case Drop:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"message rejected\" routing_key=%s message_id=%s", d.RoutingKey, d.MessageId)
		err = d.Nack(false, false)
	default:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s message_id=%s", d.RoutingKey, d.MessageId)
		err = d.Nack(false, true)
	}
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"settle failed\" routing_key=%s err=%v", d.RoutingKey, err)
	}
}

// Close stops consumption and waits for in-flight handlers to finish.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	c.workers.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
