/*
Package ingress forwards events published to the broker by other processes into the hub.

Each delivery body is a server event envelope addressed either to a room ("rid") or to every
connection of a user ("uid"):

	{"a": "server_metrics", "p": {...}, "rid": "metrics:srv-1"}
	{"a": "notification", "p": {...}, "uid": "u-42"}
*/
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
	"github.com/tidwall/gjson"

	"github.com/treepeck/pulse/pkg/dispatch"
	"github.com/treepeck/pulse/pkg/event"
	"github.com/treepeck/pulse/pkg/mq"
)

var ErrMalformed = errors.New("malformed server event")

type Ingress struct {
	out    dispatch.Dispatcher
	logger *slog.Logger
}

func New(out dispatch.Dispatcher, logger *slog.Logger) *Ingress {
	return &Ingress{
		out:    out,
		logger: logger.With(slog.String("component", "ingress")),
	}
}

/*
Run consumes the queue until ctx is done.  Malformed events are logged and dropped; events
refused because the hub is shutting down are returned to the queue.
*/
func (i *Ingress) Run(ctx context.Context, ch *amqp091.Channel, queue string) error {
	i.logger.Info("Consuming broker events", slog.String("queue", queue))
	return mq.Consume(ctx, ch, queue, i.Handle)
}

/*
Handle validates a single delivery body and forwards it to the dispatcher.
*/
func (i *Ingress) Handle(body []byte) error {
	if !gjson.ValidBytes(body) {
		return i.reject(fmt.Errorf("%w: invalid JSON", ErrMalformed))
	}

	fields := gjson.GetManyBytes(body, "a", "p", "rid", "uid")
	action, payload, roomId, userId := fields[0], fields[1], fields[2], fields[3]

	if action.Type != gjson.String || action.Str == "" {
		return i.reject(fmt.Errorf("%w: missing action", ErrMalformed))
	}
	a := event.Action(action.Str)
	if !event.IsOutbound(a) {
		return i.reject(fmt.Errorf("%w: %q", event.ErrNotOutbound, a))
	}

	var raw json.RawMessage
	if payload.Exists() {
		raw = json.RawMessage(payload.Raw)
	}

	var err error
	switch {
	case roomId.Exists() == userId.Exists():
		return i.reject(fmt.Errorf("%w: exactly one of rid and uid is required", ErrMalformed))
	case roomId.Exists():
		err = i.out.Publish(roomId.String(), a, raw)
	default:
		err = i.out.SendToUser(userId.String(), a, raw)
	}
	if errors.Is(err, dispatch.ErrClosed) {
		i.logger.Info("Hub is closed, requeueing server event", slog.String("action", string(a)))
		return fmt.Errorf("%w: %w", mq.ErrRetry, err)
	}
	if err != nil {
		return i.reject(err)
	}
	return nil
}

func (i *Ingress) reject(err error) error {
	i.logger.Warn("Server event rejected", slog.Any("error", err))
	return err
}
