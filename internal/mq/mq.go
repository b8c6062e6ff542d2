/*
Package mq manages the connection with RabbitMQ and provides functions for opening channels
and declaring the ingress topology.
*/
package mq

import (
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

var ErrNotConnected = errors.New("not connected to RabbitMQ")

/*
Dialer wraps a single AMQP connection to RabbitMQ.  Only a single connection is used; each
consumer or publisher opens its own channel on it.
*/
type Dialer struct {
	Connection *amqp091.Connection
}

// Dial connects to the RabbitMQ instance at url.
func Dial(url string) (Dialer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return Dialer{}, fmt.Errorf("cannot connect to RabbitMQ: %w", err)
	}
	return Dialer{Connection: conn}, nil
}

/*
OpenChannel opens a unique channel and puts it into a confirm mode, which allows waiting for
ACK or NACK from the server.
*/
func (d Dialer) OpenChannel() (*amqp091.Channel, error) {
	if d.Connection == nil {
		return nil, ErrNotConnected
	}

	ch, err := d.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("cannot open a RabbitMQ channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("cannot put channel into confirm mode: %w", err)
	}
	return ch, nil
}

/*
Topology names the topic exchange and the queue the hub consumes.  The queue is bound to the
exchange with BindingKey.
*/
type Topology struct {
	Exchange   string
	Queue      string
	BindingKey string
}

/*
DeclareTopology declares a durable topic exchange and the ingress queue and binds them.
*/
func DeclareTopology(ch *amqp091.Channel, t Topology) error {
	err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("cannot declare exchange %q: %w", t.Exchange, err)
	}

	q, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("cannot declare queue %q: %w", t.Queue, err)
	}

	if err := ch.QueueBind(q.Name, t.BindingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("cannot bind queue %q to exchange: %w", q.Name, err)
	}
	return nil
}

// Release closes the connection together with every channel opened on it.
func (d Dialer) Release() error {
	if d.Connection == nil {
		return nil
	}
	return d.Connection.Close()
}
