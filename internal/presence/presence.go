/*
Package presence turns session registry transitions into user_online and user_offline
broadcasts.

The audience is every active connection.  Restricting it to the user's contacts needs a
social graph that this service does not have.
*/
package presence

import (
	"log/slog"

	"github.com/treepeck/pulse/internal/session"
	"github.com/treepeck/pulse/pkg/event"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Broadcaster delivers a frame to every active connection.
type Broadcaster interface {
	BroadcastAll(a event.Action, payload any)
}

type Publisher struct {
	out    Broadcaster
	logger *slog.Logger
}

func NewPublisher(out Broadcaster, logger *slog.Logger) *Publisher {
	return &Publisher{
		out:    out,
		logger: logger.With(slog.String("component", "presence")),
	}
}

// Attach subscribes the publisher to the registry transitions.
func (p *Publisher) Attach(r *session.Registry) {
	r.Subscribe(p.Handle)
}

func (p *Publisher) Handle(t session.Transition) {
	a, status := event.ActionUserOnline, StatusOnline
	if !t.Online {
		a, status = event.ActionUserOffline, StatusOffline
	}

	p.out.BroadcastAll(a, event.Presence{
		UserId:    t.UserId,
		Status:    status,
		Timestamp: t.At,
	})
	p.logger.Debug("Presence changed", slog.String("userId", t.UserId), slog.String("status", status))
}
