/*
Package dispatch declares the only API other subsystems (monitoring, alerting, deployment,
marketplace) use to push events to connected clients.

Delivery is at-most-once: a connection that is not a member of the room at publish time never
receives the event, and nothing is buffered for later.  Events published to one room by one
caller reach every member in publish order.  No ordering holds across rooms.
*/
package dispatch

import (
	"context"
	"errors"

	"github.com/treepeck/pulse/pkg/event"
)

// ErrClosed is returned by publishing methods after Shutdown.
var ErrClosed = errors.New("dispatcher is shut down")

/*
Stats is a snapshot of the connection registry.
*/
type Stats struct {
	TotalConnections   int            `json:"totalConnections"`
	UniqueUsers        int            `json:"uniqueUsers"`
	ConnectionsPerUser map[string]int `json:"connectionsPerUser"`
}

/*
Dispatcher is implemented by the WebSocket hub.  Callers hold this interface instead of the
transport so that a durable or ordered transport can be substituted.
*/
type Dispatcher interface {
	// Publish delivers the event to every connection currently joined to roomId.
	Publish(roomId string, a event.Action, payload any) error
	// SendToUser publishes into the "user:{userId}" room.
	SendToUser(userId string, a event.Action, payload any) error
	// SendToServerRoom publishes into the "server:{serverId}" room.
	SendToServerRoom(serverId string, a event.Action, payload any) error
	IsUserOnline(userId string) bool
	ConnectionStats() Stats
	Shutdown(ctx context.Context) error
}
