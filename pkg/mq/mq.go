/*
Package mq contains helper functions to make the work with RabbitMQ easier.
*/
package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// PublishTimeout bounds a single publication.
const PublishTimeout = 5 * time.Second

// ErrRetry marks a handler error after which the delivery is returned to the queue.
var ErrRetry = errors.New("retry later")

/*
Consume consumes events from the queue with the specified name until ctx is done or the
channel is closed.  Each event body is passed to handle; the delivery is acknowledged when
handle succeeds.  Otherwise it is rejected without requeue, so a malformed event is never
redelivered, unless the error wraps [ErrRetry].
*/
func Consume(ctx context.Context, ch *amqp091.Channel, name string, handle func([]byte) error) error {
	events, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("cannot consume queue %q: %w", name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-events:
			if !ok {
				return amqp091.ErrClosed
			}
			if err := handle(d.Body); err != nil {
				d.Nack(false, errors.Is(err, ErrRetry))
				continue
			}
			// Acknowledge the received event.
			d.Ack(false)
		}
	}
}

/*
Publish publishes an event to the exchange with the specified routing key.  Waits up to
PublishTimeout for the event to be published.
*/
func Publish(ctx context.Context, ch *amqp091.Channel, exchange, key string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	err := ch.PublishWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp091.Publishing{
			Body:         raw,
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("cannot publish a message: %w", err)
	}
	return nil
}
