package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/treepeck/pulse/internal/session"
	"github.com/treepeck/pulse/pkg/event"
)

/*
client manages the connection lifecycle and provides methods for reading and writing
WebSocket frames.

The reason for the send channel is that frames must be written sequentially, since the
Gorilla WebSocket library allows only one concurrent writer to a connection at a time.  It
receives raw bytes to avoid JSON encoding for each member of a room on every broadcast.
The channel is never closed: the write pump stops when done is closed.
*/
type client struct {
	conn *session.Connection
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	// done is closed once the client enters the CLOSING state.
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
	// Number of frames enqueued but not yet written.  Used to drain on shutdown.
	pending atomic.Int64
	logger  *slog.Logger
}

func newClient(conn *session.Connection, h *Hub, ws *websocket.Conn) *client {
	c := &client{
		conn:   conn,
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With(slog.String("connId", conn.Id), slog.String("userId", conn.UserId)),
	}
	c.state.Store(int32(StatePending))
	return c
}

func (c *client) State() State { return State(c.state.Load()) }

// advance moves the client to s unless it is already further along.
func (c *client) advance(s State) {
	for {
		cur := c.state.Load()
		if cur >= int32(s) || c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

/*
enqueue schedules a frame without blocking.  Returns false only when the send buffer is full,
which marks the client as a slow consumer.  Frames for a closing client are dropped.
*/
func (c *client) enqueue(raw []byte) bool {
	if c.State() >= StateClosing {
		return true
	}

	c.pending.Add(1)
	select {
	case c.send <- raw:
		return true
	default:
		c.pending.Add(-1)
		return false
	}
}

func (c *client) drained() bool {
	return c.pending.Load() <= 0 || c.State() >= StateClosing
}

/*
close moves the client to CLOSING and stops the write pump, which closes the underlying
connection.  Safe to call multiple times from any goroutine.
*/
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.advance(StateClosing)
		close(c.done)
	})
}

/*
read reads and handles frames from the connection sequentially (one at a time).  If a frame
cannot be read, the connection is interrupted and the client is unregistered.
*/
func (c *client) read() {
	defer func() {
		c.close()
		c.hub.leave(c)
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(c.pongHandler)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Connection interrupted", slog.Any("error", err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))

		c.hub.handleFrame(c, raw)
	}
}

/*
write takes the incoming frames from the send channel and writes them to the connection
sequentially (one at a time).  Automatically sends ping messages to maintain a heartbeat and
closes the connection once it reaches its expiry.
*/
func (c *client) write() {
	pingTicker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		pingTicker.Stop()
		c.ws.Close()
	}()

	var expire <-chan time.Time
	if !c.conn.ExpiresAt.IsZero() {
		t := time.NewTimer(time.Until(c.conn.ExpiresAt))
		defer t.Stop()
		expire = t.C
	}

	for {
		select {
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, raw)
			c.pending.Add(-1)
			if err != nil {
				return
			}

		// Send ping messages periodically.
		case <-pingTicker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-expire:
			c.logger.Info("Connection expired, forcing re-authentication")
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			c.ws.WriteMessage(websocket.TextMessage, event.EncodeOrPanic(event.ActionError, event.Error{
				Message: "Session expired. Please reconnect.",
				Code:    event.CodeSessionExpired,
			}))
			c.writeClose(websocket.ClosePolicyViolation, "session expired")
			c.close()
			return

		case <-c.done:
			c.flush()
			c.writeClose(websocket.CloseGoingAway, "")
			return
		}
	}
}

// flush writes the frames that were enqueued before the client started closing.
func (c *client) flush() {
	for {
		select {
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, raw)
			c.pending.Add(-1)
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.cfg.WriteWait))
}

func (c *client) pongHandler(string) error {
	return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
}
