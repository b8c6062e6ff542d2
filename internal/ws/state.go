package ws

import "fmt"

/*
State is the lifecycle stage of a client connection.  Transitions only move forward:
PENDING → ACTIVE → CLOSING → CLOSED.  A client may skip ACTIVE when the handshake fails.
*/
type State int32

const (
	// Handshake in progress: not registered, cannot send or receive events.
	StatePending State = iota
	// Registered and joined to the default rooms.
	StateActive
	// Disconnect initiated by the client, an error, or shutdown.
	StateClosing
	// Purged from the registry and every room.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
