/*
Package messaging validates, persists and delivers direct messages between users.
*/
package messaging

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/treepeck/pulse/internal/room"
	"github.com/treepeck/pulse/internal/session"
	"github.com/treepeck/pulse/internal/store"
	"github.com/treepeck/pulse/pkg/event"
)

const (
	// MaxContentLength is counted in characters, not bytes.
	MaxContentLength = 1000
	DefaultType      = "text"
)

type DirectMessage = store.Message

type MessageStore interface {
	SaveMessage(ctx context.Context, m DirectMessage) error
}

/*
Deliverer is the part of the hub the handler needs.  Each call enqueues the frame on the
hub's event loop; delivery itself is best-effort.
*/
type Deliverer interface {
	ConnectionsOf(userId string) []string
	SendToConnection(connId string, a event.Action, payload any) error
	Publish(roomId string, a event.Action, payload any) error
}

/*
ValidationError is returned for content that must be neither stored nor delivered.
*/
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

/*
SendError is returned when the message could not be persisted.  Nothing has been delivered.
*/
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "failed to send message: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

type Handler struct {
	store  MessageStore
	out    Deliverer
	now    func() time.Time
	logger *slog.Logger
}

func NewHandler(s MessageStore, out Deliverer, logger *slog.Logger) *Handler {
	return &Handler{
		store:  s,
		out:    out,
		now:    time.Now,
		logger: logger.With(slog.String("component", "messaging")),
	}
}

// Validate trims the content and checks its length.
func Validate(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{Reason: "Message content cannot be empty."}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", &ValidationError{
			Reason: fmt.Sprintf("Message content cannot exceed %d characters.", MaxContentLength),
		}
	}
	return content, nil
}

/*
Send persists the message and only then delivers it to every connection of the recipient,
followed by a message_sent acknowledgement to the sender's connection.  A recipient without
connections gets nothing; the stored message is its only trace.
*/
func (h *Handler) Send(ctx context.Context, sender *session.Connection, recipientId, content, typ string) (DirectMessage, error) {
	content, err := Validate(content)
	if err != nil {
		return DirectMessage{}, err
	}
	if typ == "" {
		typ = DefaultType
	}

	m := DirectMessage{
		Id:          ulid.MustNew(ulid.Now(), rand.Reader).String(),
		SenderId:    sender.UserId,
		RecipientId: recipientId,
		Content:     content,
		Type:        typ,
		CreatedAt:   h.now().UTC(),
	}

	if err := h.store.SaveMessage(ctx, m); err != nil {
		h.logger.Error("Cannot persist message",
			slog.String("senderId", m.SenderId),
			slog.String("recipientId", m.RecipientId),
			slog.Any("error", err),
		)
		return DirectMessage{}, &SendError{Err: err}
	}

	received := event.MessageReceived{
		Id:        m.Id,
		SenderId:  m.SenderId,
		Sender:    sender.UserName,
		Content:   m.Content,
		Type:      m.Type,
		Timestamp: m.CreatedAt,
	}
	for _, connId := range h.out.ConnectionsOf(recipientId) {
		if err := h.out.SendToConnection(connId, event.ActionMessageReceived, received); err != nil {
			h.logger.Warn("Cannot deliver message", slog.String("connId", connId), slog.Any("error", err))
		}
	}

	ack := event.MessageSent{Id: m.Id, Timestamp: m.CreatedAt}
	if err := h.out.SendToConnection(sender.Id, event.ActionMessageSent, ack); err != nil {
		h.logger.Warn("Cannot acknowledge message", slog.String("connId", sender.Id), slog.Any("error", err))
	}

	h.logger.Debug("Message sent", slog.String("id", m.Id), slog.String("recipientId", recipientId))
	return m, nil
}

// Typing forwards a typing indicator to the recipient's home room.
func (h *Handler) Typing(sender *session.Connection, recipientId string, isTyping bool) error {
	return h.out.Publish(room.User(recipientId), event.ActionUserTyping, event.UserTyping{
		UserId:   sender.UserId,
		IsTyping: isTyping,
	})
}
