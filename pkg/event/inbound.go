package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

/*
Inbound is a decoded client frame.  The concrete type identifies the action.
*/
type Inbound interface {
	Action() Action
}

type Authenticate struct {
	Credential string `json:"credential"`
}

type SubscribeServerMetrics struct {
	ServerId string `json:"serverId"`
}

type UnsubscribeServerMetrics struct {
	ServerId string `json:"serverId"`
}

// SubscribeAlerts with an empty ServerId subscribes to every server in scope.
type SubscribeAlerts struct {
	ServerId string `json:"serverId,omitempty"`
}

type UnsubscribeAlerts struct {
	ServerId string `json:"serverId,omitempty"`
}

type SendMessage struct {
	RecipientId string `json:"recipientId"`
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
}

type Typing struct {
	RecipientId string `json:"recipientId"`
	IsTyping    bool   `json:"-"`
}

type ConfigEdit struct {
	ConfigId string `json:"configId"`
	Editing  bool   `json:"-"`
}

type Ping struct{}

func (Authenticate) Action() Action             { return ActionAuthenticate }
func (SubscribeServerMetrics) Action() Action   { return ActionSubscribeServerMetrics }
func (UnsubscribeServerMetrics) Action() Action { return ActionUnsubscribeServerMetrics }
func (SubscribeAlerts) Action() Action          { return ActionSubscribeAlerts }
func (UnsubscribeAlerts) Action() Action        { return ActionUnsubscribeAlerts }
func (SendMessage) Action() Action              { return ActionSendMessage }
func (Ping) Action() Action                     { return ActionPing }

func (t Typing) Action() Action {
	if t.IsTyping {
		return ActionTypingStart
	}
	return ActionTypingStop
}

func (c ConfigEdit) Action() Action {
	if c.Editing {
		return ActionConfigEditStart
	}
	return ActionConfigEditEnd
}

/*
Decode parses a raw client frame into its variant.  Returns an error wrapping
[ErrUnknownAction] or [ErrInvalidPayload] when the frame cannot be accepted.
*/
func Decode(raw []byte) (Inbound, error) {
	var e ExternalEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	switch e.Action {
	case ActionAuthenticate:
		var v Authenticate
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		if strings.TrimSpace(v.Credential) == "" {
			return nil, missing(e.Action, "credential")
		}
		return v, nil

	case ActionSubscribeServerMetrics:
		var v SubscribeServerMetrics
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		if v.ServerId == "" {
			return nil, missing(e.Action, "serverId")
		}
		return v, nil

	case ActionUnsubscribeServerMetrics:
		var v UnsubscribeServerMetrics
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		if v.ServerId == "" {
			return nil, missing(e.Action, "serverId")
		}
		return v, nil

	case ActionSubscribeAlerts:
		var v SubscribeAlerts
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		return v, nil

	case ActionUnsubscribeAlerts:
		var v UnsubscribeAlerts
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		return v, nil

	case ActionSendMessage:
		var v SendMessage
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		if v.RecipientId == "" {
			return nil, missing(e.Action, "recipientId")
		}
		return v, nil

	case ActionTypingStart, ActionTypingStop:
		v := Typing{IsTyping: e.Action == ActionTypingStart}
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		if v.RecipientId == "" {
			return nil, missing(e.Action, "recipientId")
		}
		return v, nil

	case ActionConfigEditStart, ActionConfigEditEnd:
		v := ConfigEdit{Editing: e.Action == ActionConfigEditStart}
		if err := decodePayload(e, &v); err != nil {
			return nil, err
		}
		if v.ConfigId == "" {
			return nil, missing(e.Action, "configId")
		}
		return v, nil

	case ActionPing:
		return Ping{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
}

// decodePayload tolerates an absent payload; required fields are checked by the caller.
func decodePayload(e ExternalEvent, v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %q: %s", ErrInvalidPayload, e.Action, err)
	}
	return nil
}

func missing(a Action, field string) error {
	return fmt.Errorf("%w: %q requires %s", ErrInvalidPayload, a, field)
}
