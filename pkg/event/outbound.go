package event

import (
	"encoding/json"
	"time"
)

// Error codes carried by the error event.
const (
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeMessageSendFailed = "MESSAGE_SEND_FAILED"
	CodeUnknownEvent      = "UNKNOWN_EVENT"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeSlowConsumer      = "SLOW_CONSUMER"
	CodeConnectionLimit   = "CONNECTION_LIMIT"
)

type Authenticated struct {
	UserId    string    `json:"userId"`
	ServerIds []string  `json:"serverIds"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthenticationError struct {
	Message string `json:"message"`
}

type ServerMetrics struct {
	ServerId  string          `json:"serverId"`
	Metrics   json.RawMessage `json:"metrics"`
	Timestamp time.Time       `json:"timestamp"`
}

type AlertCreated struct {
	ServerId  string          `json:"serverId"`
	Alert     json.RawMessage `json:"alert"`
	Timestamp time.Time       `json:"timestamp"`
}

type Notification struct {
	Notification json.RawMessage `json:"notification"`
	Timestamp    time.Time       `json:"timestamp"`
}

type MessageReceived struct {
	Id        string    `json:"id"`
	SenderId  string    `json:"senderId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageSent struct {
	Id        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTyping struct {
	UserId   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Presence is the payload of both user_online and user_offline.
type Presence struct {
	UserId    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigEditLock is the payload of both config_edit_lock and config_edit_unlock.
type ConfigEditLock struct {
	UserId   string `json:"userId"`
	ConfigId string `json:"configId"`
}

type SystemMaintenance struct {
	Message       string     `json:"message"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}
