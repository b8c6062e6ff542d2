/*
Package ws accepts WebSocket connections, keeps their room memberships and fans events out
to them.

A single goroutine owns every mutation of the session registry and the room indexes:
registrations, disconnects, subscription requests, publications and the shutdown steps are
all handled one at a time by [Hub.routeEvents].  Blocking I/O (credential checks, message
persistence) happens on the connection's own goroutine before the result is handed over to
the loop.
*/
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/treepeck/pulse/internal/gatekeeper"
	"github.com/treepeck/pulse/internal/messaging"
	"github.com/treepeck/pulse/internal/presence"
	"github.com/treepeck/pulse/internal/room"
	"github.com/treepeck/pulse/internal/session"
	"github.com/treepeck/pulse/pkg/dispatch"
	"github.com/treepeck/pulse/pkg/event"
)

// Connection limit modes.
const (
	LimitReject = "reject"
	LimitCycle  = "cycle"
)

const (
	outboxSize     = 1024
	drainInterval  = 10 * time.Millisecond
	persistTimeout = 10 * time.Second
)

var (
	ErrConnectionLimit    = errors.New("too many active connections")
	errRegistrationFailed = errors.New("registration failed")
)

type Config struct {
	// Time allowed to write a frame to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration
	// Send pings to peer with this period.  Must be less than PongWait.
	PingPeriod time.Duration
	// Maximum frame size allowed from peer.
	MaxMessageSize int64
	// Capacity of the per-connection outbound queue.
	SendBuffer int
	// Upper bound of the PENDING phase.
	HandshakeTimeout time.Duration
	// Bounds the staleness of the authorization scope.  Zero disables the bound.
	MaxConnectionAge time.Duration
	// Zero means unlimited.
	MaxConnectionsPerUser int
	LimitMode             string
	// Shutdown drain period.
	Grace              time.Duration
	MaintenanceMessage string
	// Origins, besides the server's own, allowed to connect with the Auth cookie.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		WriteWait:          10 * time.Second,
		PongWait:           60 * time.Second,
		PingPeriod:         54 * time.Second,
		MaxMessageSize:     8192,
		SendBuffer:         256,
		HandshakeTimeout:   10 * time.Second,
		MaxConnectionAge:   time.Hour,
		LimitMode:          LimitReject,
		Grace:              5 * time.Second,
		MaintenanceMessage: "Server is restarting for maintenance. Please reconnect shortly.",
	}
}

type registration struct {
	c      *client
	result chan error
}

type request struct {
	c  *client
	in event.Inbound
}

/*
delivery is a pre-encoded frame addressed to a room, a set of connections, or everyone.
*/
type delivery struct {
	raw     []byte
	roomId  string
	connIds []string
	all     bool
}

/*
Hub handles client connections, disconnections and routes events into the corresponding
rooms.  It implements [dispatch.Dispatcher].
*/
type Hub struct {
	cfg        Config
	registry   *session.Registry
	rooms      *room.Manager
	gatekeeper *gatekeeper.Gatekeeper
	messages   *messaging.Handler
	upgrader   websocket.Upgrader
	// clients is owned by the routeEvents goroutine.
	clients map[string]*client

	register   chan registration
	unregister chan *client
	requests   chan request
	outbox     chan delivery
	exec       chan func()

	closed       atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	logger       *slog.Logger
}

var _ dispatch.Dispatcher = (*Hub)(nil)

/*
NewHub creates the hub and starts its event loop.
*/
func NewHub(cfg Config, g *gatekeeper.Gatekeeper, ms messaging.MessageStore, logger *slog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}

	h := &Hub{
		cfg:        cfg,
		registry:   session.NewRegistry(),
		rooms:      room.NewManager(),
		gatekeeper: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[string]*client),
		register:   make(chan registration),
		unregister: make(chan *client),
		requests:   make(chan request),
		outbox:     make(chan delivery, outboxSize),
		exec:       make(chan func()),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "hub")),
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	h.messages = messaging.NewHandler(ms, h, logger)
	presence.NewPublisher(loopBroadcaster{h}, logger).Attach(h.registry)

	go h.routeEvents()

	return h
}

/*
routeEvents consecutively (one at a time) receives incoming events from the hub channels and
forwards them to the corresponding handlers.
*/
func (h *Hub) routeEvents() {
	for {
		select {
		case r := <-h.register:
			h.safely("register", func() { h.handleRegistration(r) })

		case c := <-h.unregister:
			h.safely("unregister", func() { h.handleUnregister(c) })

		case r := <-h.requests:
			h.safely("request", func() { h.handleRequest(r) })

		case d := <-h.outbox:
			h.safely("deliver", func() { h.handleDelivery(d) })

		case fn := <-h.exec:
			h.safely("exec", fn)

		case <-h.done:
			return
		}
	}
}

// safely runs fn and recovers a panic so that one failing handler cannot stop the loop.
func (h *Hub) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Handler panicked",
				slog.String("handler", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

/*
checkOrigin refuses cross-site handshakes that authenticate with the Auth cookie, which the
browser attaches on its own.  Explicit credentials and same-origin requests are always allowed.
*/
func (h *Hub) checkOrigin(r *http.Request) bool {
	if !gatekeeper.IsCookieCredential(r) {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

// handleRegistration answers the registration even if handleRegister panics.
func (h *Hub) handleRegistration(r registration) {
	err := errRegistrationFailed
	defer func() { r.result <- err }()
	defer func() {
		if err != nil && h.clients[r.c.conn.Id] == r.c {
			h.remove(r.c)
		}
	}()

	err = h.handleRegister(r.c)
}

/*
handleRegister registers an admitted client, sends it the authenticated event and joins it
to the default rooms: its home room and one server room per resource in scope.
*/
func (h *Hub) handleRegister(c *client) error {
	if h.closed.Load() {
		return dispatch.ErrClosed
	}

	userId := c.conn.UserId
	var cycled *client
	if limit := h.cfg.MaxConnectionsPerUser; limit > 0 && len(h.registry.ConnectionsOf(userId)) >= limit {
		if h.cfg.LimitMode != LimitCycle {
			return ErrConnectionLimit
		}
		if oldest, ok := h.registry.Oldest(userId); ok {
			cycled = h.clients[oldest.Id]
		}
	}

	h.clients[c.conn.Id] = c
	c.advance(StateActive)
	c.enqueue(event.EncodeOrPanic(event.ActionAuthenticated, event.Authenticated{
		UserId:    userId,
		ServerIds: c.conn.Scope.Ids(),
		Timestamp: c.conn.CreatedAt,
	}))

	defaults := append([]string{room.User(userId)}, serverRooms(c.conn.Scope)...)
	for _, roomId := range defaults {
		if err := h.rooms.Join(c.conn, roomId); err != nil {
			h.logger.Error("Cannot join default room", slog.String("roomId", roomId), slog.Any("error", err))
		}
	}

	// Registering announces the user, which may already evict a client that cannot keep up.
	if err := h.registry.Add(c.conn); err != nil {
		delete(h.clients, c.conn.Id)
		h.rooms.Purge(c.conn.Id)
		return err
	}

	// The oldest connection is closed only after its replacement is registered, so the user
	// never appears offline in between.
	if cycled != nil {
		h.logger.Info("Cycling connection: closing oldest",
			slog.String("userId", userId), slog.String("connId", cycled.conn.Id))
		cycled.enqueue(event.EncodeOrPanic(event.ActionError, event.Error{
			Message: "Connection replaced by a newer one.",
			Code:    event.CodeConnectionLimit,
		}))
		h.evict(cycled)
	}

	c.logger.Info("Client registered", slog.Int("rooms", len(defaults)))
	return nil
}

func serverRooms(s session.Scope) []string {
	ids := s.Ids()
	rooms := make([]string, len(ids))
	for i, id := range ids {
		rooms[i] = room.Server(id)
	}
	return rooms
}

/*
handleUnregister purges the client from every room and from the registry.  Clients that were
already removed (evicted, cycled, shut down) are ignored.
*/
func (h *Hub) handleUnregister(c *client) {
	if h.clients[c.conn.Id] != c {
		return
	}
	h.remove(c)
	c.logger.Info("Client unregistered")
}

/*
remove must be called from the routeEvents goroutine.  Config edit locks held by the
connection are released: the remaining editors receive config_edit_unlock.
*/
func (h *Hub) remove(c *client) {
	delete(h.clients, c.conn.Id)
	rooms := h.rooms.Purge(c.conn.Id)
	h.registry.Remove(c.conn.Id)
	c.advance(StateClosed)

	for _, roomId := range rooms {
		if k, configId, _ := room.Parse(roomId); k == room.KindConfig {
			h.fanout(roomId, event.EncodeOrPanic(event.ActionConfigEditUnlock, event.ConfigEditLock{
				UserId:   c.conn.UserId,
				ConfigId: configId,
			}))
		}
	}
}

// evict closes a client and removes it immediately, without waiting for its read pump.
func (h *Hub) evict(c *client) {
	c.close()
	h.remove(c)
}

/*
handleRequest applies a subscription request.  Refused requests leave the membership
unchanged and are answered with an error event sent to that connection only.
*/
func (h *Hub) handleRequest(r request) {
	c := r.c
	if h.clients[c.conn.Id] != c {
		return
	}

	switch in := r.in.(type) {
	case event.SubscribeServerMetrics:
		h.join(c, room.Metrics(in.ServerId))

	case event.UnsubscribeServerMetrics:
		h.rooms.Leave(c.conn.Id, room.Metrics(in.ServerId))

	case event.SubscribeAlerts:
		if in.ServerId != "" {
			h.join(c, room.Alerts(in.ServerId))
			return
		}
		for _, id := range c.conn.Scope.Ids() {
			h.join(c, room.Alerts(id))
		}

	case event.UnsubscribeAlerts:
		if in.ServerId != "" {
			h.rooms.Leave(c.conn.Id, room.Alerts(in.ServerId))
			return
		}
		for _, roomId := range h.rooms.RoomsOf(c.conn.Id) {
			if k, _, _ := room.Parse(roomId); k == room.KindAlerts {
				h.rooms.Leave(c.conn.Id, roomId)
			}
		}

	case event.ConfigEdit:
		roomId := room.Config(in.ConfigId)
		lock := event.ConfigEditLock{UserId: c.conn.UserId, ConfigId: in.ConfigId}
		if in.Editing {
			if h.join(c, roomId) {
				h.fanout(roomId, event.EncodeOrPanic(event.ActionConfigEditLock, lock))
			}
			return
		}
		if h.rooms.IsMember(c.conn.Id, roomId) {
			h.fanout(roomId, event.EncodeOrPanic(event.ActionConfigEditUnlock, lock))
			h.rooms.Leave(c.conn.Id, roomId)
		}

	default:
		h.logger.Warn("Unroutable request", slog.String("action", string(r.in.Action())))
	}
}

func (h *Hub) join(c *client, roomId string) bool {
	err := h.rooms.Join(c.conn, roomId)
	if err == nil {
		c.logger.Debug("Joined room", slog.String("roomId", roomId))
		return true
	}

	c.logger.Warn("Subscription refused", slog.String("roomId", roomId), slog.Any("error", err))
	h.deliverTo(c, event.EncodeOrPanic(event.ActionError, event.Error{
		Message: fmt.Sprintf("Access denied to %s.", roomId),
		Code:    event.CodeAccessDenied,
	}))
	return false
}

func (h *Hub) handleDelivery(d delivery) {
	switch {
	case d.all:
		for _, c := range h.clients {
			h.deliverTo(c, d.raw)
		}
	case d.roomId != "":
		h.fanout(d.roomId, d.raw)
	default:
		for _, id := range d.connIds {
			if c, ok := h.clients[id]; ok {
				h.deliverTo(c, d.raw)
			}
		}
	}
}

// fanout delivers the frame to the current members of the room.
func (h *Hub) fanout(roomId string, raw []byte) {
	for _, id := range h.rooms.Members(roomId) {
		if c, ok := h.clients[id]; ok {
			h.deliverTo(c, raw)
		}
	}
}

// deliverTo evicts clients that cannot keep up instead of blocking the loop.
func (h *Hub) deliverTo(c *client, raw []byte) {
	if !c.enqueue(raw) {
		c.logger.Warn("Send buffer is full, evicting slow consumer", slog.String("code", event.CodeSlowConsumer))
		h.evict(c)
	}
}

/*
handleFrame runs on the client's read goroutine.  Requests that only touch memberships are
handed to the loop; direct messages are persisted here because persistence blocks.
*/
func (h *Hub) handleFrame(c *client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Frame handler panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	in, err := event.Decode(raw)
	if err != nil {
		code := event.CodeInvalidPayload
		if errors.Is(err, event.ErrUnknownAction) {
			code = event.CodeUnknownEvent
		}
		c.logger.Debug("Malformed frame", slog.Any("error", err))
		h.reply(c, event.ActionError, event.Error{Message: err.Error(), Code: code})
		return
	}

	switch in := in.(type) {
	case event.Ping:
		h.reply(c, event.ActionPong, event.Pong{Timestamp: time.Now()})

	case event.Authenticate:
		h.reply(c, event.ActionError, event.Error{Message: "Already authenticated.", Code: event.CodeInvalidPayload})

	case event.SendMessage:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		_, err := h.messages.Send(ctx, c.conn, in.RecipientId, in.Content, in.Type)
		var ve *messaging.ValidationError
		switch {
		case errors.As(err, &ve):
			h.reply(c, event.ActionError, event.Error{Message: ve.Reason, Code: event.CodeValidation})
		case err != nil:
			h.reply(c, event.ActionError, event.Error{Message: "Failed to send message.", Code: event.CodeMessageSendFailed})
		}

	case event.Typing:
		if err := h.messages.Typing(c.conn, in.RecipientId, in.IsTyping); err != nil {
			c.logger.Debug("Cannot forward typing indicator", slog.Any("error", err))
		}

	default:
		select {
		case h.requests <- request{c: c, in: in}:
		case <-h.done:
		}
	}
}

func (h *Hub) reply(c *client, a event.Action, payload any) {
	if err := h.SendToConnection(c.conn.Id, a, payload); err != nil {
		c.logger.Debug("Cannot reply", slog.String("action", string(a)), slog.Any("error", err))
	}
}

/*
enter hands an admitted client over to the loop.  Blocks until the registration is applied.
*/
func (h *Hub) enter(c *client) error {
	result := make(chan error, 1)
	select {
	case h.register <- registration{c: c, result: result}:
	case <-h.done:
		return dispatch.ErrClosed
	}
	return <-result
}

// leave notifies the loop about a disconnect.  No-op after shutdown.
func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// do runs fn on the loop and waits for it.  Returns false if the loop has stopped.
func (h *Hub) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.exec <- func() { defer close(finished); fn() }:
	case <-h.done:
		return false
	}
	<-finished
	return true
}

func (h *Hub) post(d delivery) error {
	if h.closed.Load() {
		return dispatch.ErrClosed
	}
	select {
	case h.outbox <- d:
		return nil
	case <-h.done:
		return dispatch.ErrClosed
	}
}

func (h *Hub) Publish(roomId string, a event.Action, payload any) error {
	if _, _, err := room.Parse(roomId); err != nil {
		return err
	}
	raw, err := event.Encode(a, payload)
	if err != nil {
		return err
	}
	return h.post(delivery{roomId: roomId, raw: raw})
}

func (h *Hub) SendToUser(userId string, a event.Action, payload any) error {
	return h.Publish(room.User(userId), a, payload)
}

func (h *Hub) SendToServerRoom(serverId string, a event.Action, payload any) error {
	return h.Publish(room.Server(serverId), a, payload)
}

// SendToConnection delivers the frame to a single connection.
func (h *Hub) SendToConnection(connId string, a event.Action, payload any) error {
	raw, err := event.Encode(a, payload)
	if err != nil {
		return err
	}
	return h.post(delivery{connIds: []string{connId}, raw: raw})
}

func (h *Hub) ConnectionsOf(userId string) []string {
	return h.registry.ConnectionsOf(userId)
}

func (h *Hub) IsUserOnline(userId string) bool {
	return h.registry.IsOnline(userId)
}

func (h *Hub) ConnectionStats() dispatch.Stats {
	return h.registry.Stats()
}

/*
Shutdown broadcasts the maintenance notice, waits until every outbound queue is flushed or
the grace period (bounded by ctx) elapses, then force-closes every connection and clears the
registry and the room indexes.  Subsequent calls are no-ops.
*/
func (h *Hub) Shutdown(ctx context.Context) error {
	var err error
	h.shutdownOnce.Do(func() { err = h.shutdown(ctx) })
	return err
}

func (h *Hub) shutdown(ctx context.Context) error {
	h.closed.Store(true)
	h.logger.Info("Shutting down hub")

	var clients []*client
	h.do(func() {
		raw := event.EncodeOrPanic(event.ActionSystemMaintenance, event.SystemMaintenance{
			Message: h.cfg.MaintenanceMessage,
		})
		for _, c := range h.clients {
			c.enqueue(raw)
			clients = append(clients, c)
		}
	})

	drained := h.drain(ctx, clients)

	h.do(func() {
		for _, c := range h.clients {
			c.close()
			c.advance(StateClosed)
		}
		h.clients = make(map[string]*client)
		h.rooms.Clear()
		h.registry.Clear()
	})
	close(h.done)

	h.logger.Info("Hub stopped", slog.Int("connections", len(clients)), slog.Bool("drained", drained))
	return nil
}

// drain polls the clients until their queues are flushed.  Returns false on timeout.
func (h *Hub) drain(ctx context.Context, clients []*client) bool {
	grace := time.NewTimer(h.cfg.Grace)
	defer grace.Stop()
	tick := time.NewTicker(drainInterval)
	defer tick.Stop()

	for {
		flushed := true
		for _, c := range clients {
			if !c.drained() {
				flushed = false
				break
			}
		}
		if flushed {
			return true
		}

		select {
		case <-tick.C:
		case <-grace.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

/*
loopBroadcaster is handed to the presence publisher.  Registry transitions are emitted from
inside the loop, so it can fan out synchronously.
*/
type loopBroadcaster struct {
	h *Hub
}

func (b loopBroadcaster) BroadcastAll(a event.Action, payload any) {
	raw, err := event.Encode(a, payload)
	if err != nil {
		b.h.logger.Error("Cannot encode broadcast", slog.String("action", string(a)), slog.Any("error", err))
		return
	}
	b.h.handleDelivery(delivery{all: true, raw: raw})
}
