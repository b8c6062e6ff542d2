/*
Package event defines the frames exchanged between pulse and its WebSocket clients.

Every frame is an [ExternalEvent] envelope.  The set of actions is closed: inbound frames
are decoded into one of the [Inbound] variants, and outbound frames can only be built for
the actions listed in the server block below.
*/
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

/*
Action is a domain of possible event names.
*/
type Action string

const (
	// Events that can be sent only by the clients.
	ActionAuthenticate             Action = "authenticate"
	ActionSubscribeServerMetrics   Action = "subscribe_server_metrics"
	ActionUnsubscribeServerMetrics Action = "unsubscribe_server_metrics"
	ActionSubscribeAlerts          Action = "subscribe_alerts"
	ActionUnsubscribeAlerts        Action = "unsubscribe_alerts"
	ActionSendMessage              Action = "send_message"
	ActionTypingStart              Action = "typing_start"
	ActionTypingStop               Action = "typing_stop"
	ActionConfigEditStart          Action = "config_edit_start"
	ActionConfigEditEnd            Action = "config_edit_end"
	ActionPing                     Action = "ping"

	// Events that can be sent only by the server.
	ActionAuthenticated       Action = "authenticated"
	ActionAuthenticationError Action = "authentication_error"
	ActionServerMetrics       Action = "server_metrics"
	ActionAlertCreated        Action = "alert_created"
	ActionNotification        Action = "notification"
	ActionMessageReceived     Action = "message_received"
	ActionMessageSent         Action = "message_sent"
	ActionUserTyping          Action = "user_typing"
	ActionUserOnline          Action = "user_online"
	ActionUserOffline         Action = "user_offline"
	ActionConfigEditLock      Action = "config_edit_lock"
	ActionConfigEditUnlock    Action = "config_edit_unlock"
	ActionSystemMaintenance   Action = "system_maintenance"
	ActionError               Action = "error"
	ActionPong                Action = "pong"
)

var outbound = map[Action]struct{}{
	ActionAuthenticated:       {},
	ActionAuthenticationError: {},
	ActionServerMetrics:       {},
	ActionAlertCreated:        {},
	ActionNotification:        {},
	ActionMessageReceived:     {},
	ActionMessageSent:         {},
	ActionUserTyping:          {},
	ActionUserOnline:          {},
	ActionUserOffline:         {},
	ActionConfigEditLock:      {},
	ActionConfigEditUnlock:    {},
	ActionSystemMaintenance:   {},
	ActionError:               {},
	ActionPong:                {},
}

// IsOutbound reports whether the server is allowed to emit a.
func IsOutbound(a Action) bool {
	_, ok := outbound[a]
	return ok
}

/*
ExternalEvent represents a frame exchanged between the server and WebSocket clients.
*/
type ExternalEvent struct {
	Payload json.RawMessage `json:"p,omitempty"`
	Action  Action          `json:"a"`
}

/*
ServerEvent represents an event injected by another subsystem.  Exactly one of RoomId and
UserId addresses it; UserId is a shorthand for the "user:{id}" room.
*/
type ServerEvent struct {
	Payload json.RawMessage `json:"p"`
	RoomId  string          `json:"rid,omitempty"`
	UserId  string          `json:"uid,omitempty"`
	Action  Action          `json:"a"`
}

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotOutbound    = errors.New("action cannot be sent by the server")
)

/*
Encode builds a complete outbound frame.  The payload is marshalled unless it is already a
json.RawMessage.
*/
func Encode(a Action, payload any) ([]byte, error) {
	if !IsOutbound(a) {
		return nil, fmt.Errorf("%w: %q", ErrNotOutbound, a)
	}

	var p json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		p = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %q payload: %w", a, err)
		}
		p = raw
	}

	return json.Marshal(ExternalEvent{Action: a, Payload: p})
}

/*
EncodeOrPanic is a helper function to encode a frame on the fly skipping the error check.
Must only be used with payload types declared in this package.
*/
func EncodeOrPanic(a Action, payload any) []byte {
	raw, err := Encode(a, payload)
	if err != nil {
		log.Panicf("cannot encode frame %q: %s", a, err)
	}
	return raw
}
