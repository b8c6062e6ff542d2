package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treepeck/pulse/internal/auth"
	"github.com/treepeck/pulse/internal/gatekeeper"
	"github.com/treepeck/pulse/internal/logging"
	"github.com/treepeck/pulse/internal/room"
	"github.com/treepeck/pulse/internal/session"
	"github.com/treepeck/pulse/internal/store"
	"github.com/treepeck/pulse/pkg/dispatch"
	"github.com/treepeck/pulse/pkg/event"
)

const (
	testSecret  = "hub-test-secret"
	readTimeout = 2 * time.Second
)

type testEnv struct {
	hub      *Hub
	srv      *httptest.Server
	verifier *auth.Verifier
}

/*
newTestEnv seeds four users:
  - alice owns s1;
  - bob owns s2;
  - dave is a member of s1;
  - carol is inactive.
*/
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	s, err := store.Open("file:" + filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, u := range []store.User{
		{Id: "alice", Name: "Alice", Role: "admin", Active: true},
		{Id: "bob", Name: "Bob", Role: "user", Active: true},
		{Id: "dave", Name: "Dave", Role: "user", Active: true},
		{Id: "carol", Name: "Carol", Role: "user", Active: false},
	} {
		require.NoError(t, s.PutUser(ctx, u))
	}
	require.NoError(t, s.PutResource(ctx, "s1", "alice"))
	require.NoError(t, s.PutResource(ctx, "s2", "bob"))
	require.NoError(t, s.AddMember(ctx, "s1", "dave"))

	cfg := DefaultConfig()
	cfg.Grace = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	v := auth.NewVerifier(testSecret)
	g := gatekeeper.New(v, s, s, time.Second, logging.Discard())
	h := NewHub(cfg, g, s, logging.Discard())

	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		h.Shutdown(context.Background())
		srv.Close()
	})

	return &testEnv{hub: h, srv: srv, verifier: v}
}

func (e *testEnv) token(t *testing.T, userId string) string {
	t.Helper()

	token, err := e.verifier.Sign(userId, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	c, res, err := websocket.DefaultDialer.Dial(e.url(), header)
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, res, err
}

// connect opens an authenticated connection and consumes the authenticated event.
func (e *testEnv) connect(t *testing.T, userId string) (*websocket.Conn, event.Authenticated) {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, userId))
	c, _, err := e.dial(t, header)
	require.NoError(t, err)

	var a event.Authenticated
	require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionAuthenticated), &a))
	return c, a
}

func read(t *testing.T, c *websocket.Conn) event.ExternalEvent {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(readTimeout))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)

	var e event.ExternalEvent
	require.NoError(t, json.Unmarshal(raw, &e))
	return e
}

// readUntil skips frames until one with the specified action arrives.
func readUntil(t *testing.T, c *websocket.Conn, a event.Action) json.RawMessage {
	t.Helper()

	for range 50 {
		e := read(t, c)
		if e.Action == a {
			return e.Payload
		}
	}
	t.Fatalf("no %q frame received", a)
	return nil
}

func readError(t *testing.T, c *websocket.Conn) event.Error {
	t.Helper()

	var e event.Error
	require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionError), &e))
	return e
}

func send(t *testing.T, c *websocket.Conn, a event.Action, payload any) {
	t.Helper()

	p, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(event.ExternalEvent{Action: a, Payload: p})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, raw))
}

/*
roundTrip sends a ping and waits for the pong.  Requests are handed to the hub in order, so
every request sent before the ping has been applied once the pong arrives.
*/
func roundTrip(t *testing.T, c *websocket.Conn) {
	t.Helper()

	send(t, c, event.ActionPing, struct{}{})
	readUntil(t, c, event.ActionPong)
}

func expectClosed(t *testing.T, c *websocket.Conn) {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			assert.ErrorAs(t, err, &ce)
			return
		}
	}
}

func TestHandshakeWithHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	_, a := env.connect(t, "alice")
	assert.Equal(t, "alice", a.UserId)
	assert.Equal(t, []string{"s1"}, a.ServerIds)

	assert.True(t, env.hub.IsUserOnline("alice"))
	assert.Equal(t, 1, env.hub.ConnectionStats().TotalConnections)
}

func TestHandshakeWithQueryParameter(t *testing.T) {
	env := newTestEnv(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(env.url()+"?token="+env.token(t, "dave"), nil)
	require.NoError(t, err)
	defer c.Close()

	var a event.Authenticated
	require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionAuthenticated), &a))
	assert.Equal(t, []string{"s1"}, a.ServerIds)
}

func TestHandshakeRefusedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)

	testcases := []struct {
		name   string
		token  string
		status int
	}{
		{"invalid credential", "garbage", http.StatusUnauthorized},
		{"unknown user", env.token(t, "mallory"), http.StatusUnauthorized},
		{"inactive user", env.token(t, "carol"), http.StatusForbidden},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Authorization", "Bearer "+tc.token)

			_, res, err := env.dial(t, header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Equal(t, tc.status, res.StatusCode)
		})
	}

	assert.Zero(t, env.hub.ConnectionStats().TotalConnections)
}

func TestAuthenticateFrame(t *testing.T) {
	env := newTestEnv(t, nil)

	c, _, err := env.dial(t, nil)
	require.NoError(t, err)

	send(t, c, event.ActionAuthenticate, event.Authenticate{Credential: env.token(t, "bob")})

	var a event.Authenticated
	require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionAuthenticated), &a))
	assert.Equal(t, "bob", a.UserId)
	assert.Equal(t, []string{"s2"}, a.ServerIds)
}

func TestAuthenticateFrameRefused(t *testing.T) {
	env := newTestEnv(t, nil)

	testcases := []struct {
		name   string
		action event.Action
		p      any
	}{
		{"invalid credential", event.ActionAuthenticate, event.Authenticate{Credential: "garbage"}},
		{"inactive user", event.ActionAuthenticate, event.Authenticate{Credential: env.token(t, "carol")}},
		{"other event first", event.ActionSubscribeServerMetrics, event.SubscribeServerMetrics{ServerId: "s1"}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, err := env.dial(t, nil)
			require.NoError(t, err)

			send(t, c, tc.action, tc.p)

			var ae event.AuthenticationError
			require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionAuthenticationError), &ae))
			assert.NotEmpty(t, ae.Message)
			expectClosed(t, c)
		})
	}

	assert.Zero(t, env.hub.ConnectionStats().TotalConnections)
}

func TestHandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.HandshakeTimeout = 100 * time.Millisecond })

	c, _, err := env.dial(t, nil)
	require.NoError(t, err)

	readUntil(t, c, event.ActionAuthenticationError)
	expectClosed(t, c)
}

// A subscription outside of the scope is refused and nothing published there is received.
func TestSubscribeOutsideScope(t *testing.T) {
	env := newTestEnv(t, nil)
	c, _ := env.connect(t, "alice")

	send(t, c, event.ActionSubscribeServerMetrics, event.SubscribeServerMetrics{ServerId: "s2"})
	e := readError(t, c)
	assert.Equal(t, event.CodeAccessDenied, e.Code)
	assert.False(t, env.hub.rooms.IsMember(aliceConn(t, env), room.Metrics("s2")))

	send(t, c, event.ActionSubscribeServerMetrics, event.SubscribeServerMetrics{ServerId: "s1"})
	roundTrip(t, c)

	require.NoError(t, env.hub.Publish(room.Metrics("s2"), event.ActionServerMetrics, event.ServerMetrics{ServerId: "s2"}))
	require.NoError(t, env.hub.Publish(room.Metrics("s1"), event.ActionServerMetrics, event.ServerMetrics{ServerId: "s1"}))

	var m event.ServerMetrics
	require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionServerMetrics), &m))
	assert.Equal(t, "s1", m.ServerId)
}

func aliceConn(t *testing.T, env *testEnv) string {
	t.Helper()

	ids := env.hub.ConnectionsOf("alice")
	require.Len(t, ids, 1)
	return ids[0]
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	c, _ := env.connect(t, "alice")

	send(t, c, event.ActionSubscribeServerMetrics, event.SubscribeServerMetrics{ServerId: "s1"})
	send(t, c, event.ActionUnsubscribeServerMetrics, event.UnsubscribeServerMetrics{ServerId: "s1"})
	roundTrip(t, c)

	assert.NotContains(t, env.hub.rooms.Rooms(), room.Metrics("s1"))
}

func TestSubscribeAllAlerts(t *testing.T) {
	env := newTestEnv(t, nil)
	c, _ := env.connect(t, "alice")

	send(t, c, event.ActionSubscribeAlerts, struct{}{})
	roundTrip(t, c)
	assert.True(t, env.hub.rooms.IsMember(aliceConn(t, env), room.Alerts("s1")))

	require.NoError(t, env.hub.Publish(room.Alerts("s1"), event.ActionAlertCreated, event.AlertCreated{ServerId: "s1"}))
	readUntil(t, c, event.ActionAlertCreated)

	send(t, c, event.ActionUnsubscribeAlerts, struct{}{})
	roundTrip(t, c)
	assert.False(t, env.hub.rooms.IsMember(aliceConn(t, env), room.Alerts("s1")))
}

func TestRoomIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")
	bob, _ := env.connect(t, "bob")

	require.NoError(t, env.hub.SendToServerRoom("s2", event.ActionNotification, json.RawMessage(`{"for":"bob"}`)))
	require.NoError(t, env.hub.SendToServerRoom("s1", event.ActionNotification, json.RawMessage(`{"for":"alice"}`)))
	require.NoError(t, env.hub.SendToUser("bob", event.ActionNotification, json.RawMessage(`{"for":"bob-home"}`)))

	assert.JSONEq(t, `{"for":"alice"}`, string(readUntil(t, alice, event.ActionNotification)))
	assert.JSONEq(t, `{"for":"bob"}`, string(readUntil(t, bob, event.ActionNotification)))
	assert.JSONEq(t, `{"for":"bob-home"}`, string(readUntil(t, bob, event.ActionNotification)))
}

func TestPublishRejectsInvalidTargets(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.ErrorIs(t, env.hub.Publish("lobby", event.ActionNotification, nil), room.ErrInvalidRoom)
	assert.ErrorIs(t, env.hub.Publish(room.Server("s1"), event.ActionSendMessage, nil), event.ErrNotOutbound)
	// Publishing to a room without members is not an error.
	assert.NoError(t, env.hub.Publish(room.Server("nobody"), event.ActionNotification, nil))
}

func presenceOf(t *testing.T, c *websocket.Conn) (event.Action, event.Presence) {
	t.Helper()

	for range 50 {
		e := read(t, c)
		if e.Action == event.ActionUserOnline || e.Action == event.ActionUserOffline {
			var p event.Presence
			require.NoError(t, json.Unmarshal(e.Payload, &p))
			return e.Action, p
		}
	}
	t.Fatal("no presence frame received")
	return "", event.Presence{}
}

func TestPresenceWithTwoDevices(t *testing.T) {
	env := newTestEnv(t, nil)
	observer, _ := env.connect(t, "bob")

	a, p := presenceOf(t, observer)
	require.Equal(t, event.ActionUserOnline, a)
	require.Equal(t, "bob", p.UserId)

	first, _ := env.connect(t, "alice")
	a, p = presenceOf(t, observer)
	assert.Equal(t, event.ActionUserOnline, a)
	assert.Equal(t, "alice", p.UserId)

	second, _ := env.connect(t, "alice")
	first.Close()
	require.Eventually(t, func() bool {
		return len(env.hub.ConnectionsOf("alice")) == 1
	}, readTimeout, 10*time.Millisecond)
	assert.True(t, env.hub.IsUserOnline("alice"))

	second.Close()
	a, p = presenceOf(t, observer)
	assert.Equal(t, event.ActionUserOffline, a, "no presence change until the last device leaves")
	assert.Equal(t, "alice", p.UserId)
	assert.False(t, env.hub.IsUserOnline("alice"))
}

func TestDisconnectPurgesMemberships(t *testing.T) {
	env := newTestEnv(t, nil)
	c, _ := env.connect(t, "alice")

	send(t, c, event.ActionSubscribeServerMetrics, event.SubscribeServerMetrics{ServerId: "s1"})
	send(t, c, event.ActionSubscribeAlerts, event.SubscribeAlerts{ServerId: "s1"})
	roundTrip(t, c)
	assert.Len(t, env.hub.rooms.Rooms(), 4)

	c.Close()
	require.Eventually(t, func() bool {
		return env.hub.ConnectionStats().TotalConnections == 0 && len(env.hub.rooms.Rooms()) == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestDirectMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")
	bob, _ := env.connect(t, "bob")

	send(t, alice, event.ActionSendMessage, event.SendMessage{RecipientId: "bob", Content: "hi bob"})

	var received event.MessageReceived
	require.NoError(t, json.Unmarshal(readUntil(t, bob, event.ActionMessageReceived), &received))
	assert.Equal(t, "alice", received.SenderId)
	assert.Equal(t, "Alice", received.Sender)
	assert.Equal(t, "hi bob", received.Content)
	assert.Equal(t, "text", received.Type)

	var ack event.MessageSent
	require.NoError(t, json.Unmarshal(readUntil(t, alice, event.ActionMessageSent), &ack))
	assert.Equal(t, received.Id, ack.Id)
}

func TestDirectMessageToOfflineUser(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")

	send(t, alice, event.ActionSendMessage, event.SendMessage{RecipientId: "bob", Content: "hello"})

	var ack event.MessageSent
	require.NoError(t, json.Unmarshal(readUntil(t, alice, event.ActionMessageSent), &ack))
	assert.NotEmpty(t, ack.Id)
	assert.False(t, env.hub.IsUserOnline("bob"))
}

func TestDirectMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")

	send(t, alice, event.ActionSendMessage, event.SendMessage{RecipientId: "bob", Content: strings.Repeat("x", 1001)})
	assert.Equal(t, event.CodeValidation, readError(t, alice).Code)

	send(t, alice, event.ActionSendMessage, event.SendMessage{RecipientId: "bob", Content: "   "})
	assert.Equal(t, event.CodeValidation, readError(t, alice).Code)
}

func TestTypingIndicator(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")
	bob, _ := env.connect(t, "bob")

	send(t, alice, event.ActionTypingStart, event.Typing{RecipientId: "bob"})

	var typing event.UserTyping
	require.NoError(t, json.Unmarshal(readUntil(t, bob, event.ActionUserTyping), &typing))
	assert.Equal(t, event.UserTyping{UserId: "alice", IsTyping: true}, typing)
}

func TestConfigEditLocks(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")
	dave, _ := env.connect(t, "dave")

	var lock event.ConfigEditLock

	send(t, alice, event.ActionConfigEditStart, event.ConfigEdit{ConfigId: "s1"})
	require.NoError(t, json.Unmarshal(readUntil(t, alice, event.ActionConfigEditLock), &lock))
	assert.Equal(t, event.ConfigEditLock{UserId: "alice", ConfigId: "s1"}, lock)

	send(t, dave, event.ActionConfigEditStart, event.ConfigEdit{ConfigId: "s1"})
	require.NoError(t, json.Unmarshal(readUntil(t, alice, event.ActionConfigEditLock), &lock))
	assert.Equal(t, "dave", lock.UserId)

	send(t, alice, event.ActionConfigEditEnd, event.ConfigEdit{ConfigId: "s1"})
	require.NoError(t, json.Unmarshal(readUntil(t, dave, event.ActionConfigEditUnlock), &lock))
	assert.Equal(t, event.ConfigEditLock{UserId: "alice", ConfigId: "s1"}, lock)

	send(t, alice, event.ActionConfigEditStart, event.ConfigEdit{ConfigId: "s2"})
	assert.Equal(t, event.CodeAccessDenied, readError(t, alice).Code)
}

func TestDisconnectReleasesEditLocks(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")
	dave, _ := env.connect(t, "dave")

	send(t, alice, event.ActionConfigEditStart, event.ConfigEdit{ConfigId: "s1"})
	readUntil(t, alice, event.ActionConfigEditLock)
	send(t, dave, event.ActionConfigEditStart, event.ConfigEdit{ConfigId: "s1"})
	readUntil(t, dave, event.ActionConfigEditLock)

	require.NoError(t, alice.Close())

	var lock event.ConfigEditLock
	require.NoError(t, json.Unmarshal(readUntil(t, dave, event.ActionConfigEditUnlock), &lock))
	assert.Equal(t, event.ConfigEditLock{UserId: "alice", ConfigId: "s1"}, lock)
	assert.Len(t, env.hub.rooms.Members(room.Config("s1")), 1)
}

type sequence struct {
	N int `json:"n"`
}

func TestRoomOrderIsPreserved(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")
	dave, _ := env.connect(t, "dave")

	const n = 200
	for i := range n {
		require.NoError(t, env.hub.SendToServerRoom("s1", event.ActionNotification, sequence{N: i}))
	}

	for _, c := range []*websocket.Conn{alice, dave} {
		for i := range n {
			var seq sequence
			require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionNotification), &seq))
			require.Equal(t, i, seq.N)
		}
	}
}

func TestCookieHandshakeChecksOrigin(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://console.example.com"}
	})

	header := http.Header{}
	header.Set("Cookie", "Auth="+env.token(t, "alice"))
	header.Set("Origin", "https://elsewhere.example.com")
	_, res, err := env.dial(t, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.False(t, env.hub.IsUserOnline("alice"))

	for _, origin := range []string{"https://console.example.com", env.srv.URL} {
		header.Set("Origin", origin)
		c, _, err := env.dial(t, header)
		require.NoError(t, err, origin)
		readUntil(t, c, event.ActionAuthenticated)
	}

	// Credentials the browser does not attach on its own are accepted from any origin.
	header = http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "dave"))
	header.Set("Origin", "https://elsewhere.example.com")
	c, _, err := env.dial(t, header)
	require.NoError(t, err)
	readUntil(t, c, event.ActionAuthenticated)
}

func TestMalformedFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	c, _ := env.connect(t, "alice")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"a":"launch_rockets"}`)))
	assert.Equal(t, event.CodeUnknownEvent, readError(t, c).Code)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, event.CodeInvalidPayload, readError(t, c).Code)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"a":"subscribe_server_metrics","p":{}}`)))
	assert.Equal(t, event.CodeInvalidPayload, readError(t, c).Code)

	// The connection survives malformed frames.
	roundTrip(t, c)
}

func TestSessionExpiry(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxConnectionAge = 200 * time.Millisecond })
	c, _ := env.connect(t, "alice")

	assert.Equal(t, event.CodeSessionExpired, readError(t, c).Code)
	expectClosed(t, c)

	require.Eventually(t, func() bool {
		return !env.hub.IsUserOnline("alice")
	}, readTimeout, 10*time.Millisecond)
}

func TestExpiry(t *testing.T) {
	h := &Hub{cfg: Config{MaxConnectionAge: time.Hour}}
	now := time.Now()

	assert.Equal(t, now.Add(time.Minute), h.expiry(now, now.Add(time.Minute)))
	assert.Equal(t, now.Add(time.Hour), h.expiry(now, now.Add(2*time.Hour)))
	assert.Equal(t, now.Add(time.Hour), h.expiry(now, time.Time{}))

	h.cfg.MaxConnectionAge = 0
	assert.True(t, h.expiry(now, time.Time{}).IsZero())
}

func TestConnectionLimitReject(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxConnectionsPerUser = 1 })
	env.connect(t, "alice")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "alice"))
	c, _, err := env.dial(t, header)
	require.NoError(t, err)

	assert.Equal(t, event.CodeConnectionLimit, readError(t, c).Code)
	expectClosed(t, c)
	assert.Len(t, env.hub.ConnectionsOf("alice"), 1)
}

func TestConnectionLimitCycle(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxConnectionsPerUser = 1
		cfg.LimitMode = LimitCycle
	})
	old, _ := env.connect(t, "alice")
	env.connect(t, "alice")

	assert.Equal(t, event.CodeConnectionLimit, readError(t, old).Code)
	expectClosed(t, old)
	assert.Len(t, env.hub.ConnectionsOf("alice"), 1)
	assert.True(t, env.hub.IsUserOnline("alice"))
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SendBuffer = 2 })
	h := env.hub

	conn := &session.Connection{
		Id:            "slow",
		UserId:        "alice",
		Scope:         session.NewScope("s1"),
		Authenticated: true,
		CreatedAt:     time.Now(),
	}
	// No pumps are started, so nothing drains the queue.
	c := newClient(conn, h, nil)
	require.NoError(t, h.enter(c))
	assert.Equal(t, StateActive, c.State())

	// authenticated and user_online fill the queue.
	require.NoError(t, h.SendToConnection("slow", event.ActionPong, event.Pong{}))

	require.Eventually(t, func() bool {
		return c.State() == StateClosed && h.ConnectionStats().TotalConnections == 0
	}, readTimeout, 10*time.Millisecond)
	assert.Empty(t, h.rooms.RoomsOf("slow"))
}

func TestRegistrationPanicIsAnswered(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.hub

	conn := &session.Connection{
		Id:            "broken",
		UserId:        "alice",
		Scope:         session.NewScope("s1"),
		Authenticated: true,
		CreatedAt:     time.Now(),
	}
	c := newClient(conn, h, nil)
	// Registration ends by logging through the client logger.
	c.logger = nil

	entered := make(chan error, 1)
	go func() { entered <- h.enter(c) }()

	select {
	case err := <-entered:
		assert.ErrorIs(t, err, errRegistrationFailed)
	case <-time.After(readTimeout):
		t.Fatal("registration was never answered")
	}
	assert.False(t, h.IsUserOnline("alice"))
	assert.Empty(t, h.rooms.RoomsOf("broken"))

	// The loop keeps serving.
	_, a := env.connect(t, "dave")
	assert.Equal(t, "dave", a.UserId)
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.connect(t, "alice")
	bob, _ := env.connect(t, "bob")

	require.NoError(t, env.hub.Shutdown(context.Background()))

	for _, c := range []*websocket.Conn{alice, bob} {
		var m event.SystemMaintenance
		require.NoError(t, json.Unmarshal(readUntil(t, c, event.ActionSystemMaintenance), &m))
		assert.Equal(t, DefaultConfig().MaintenanceMessage, m.Message)
		expectClosed(t, c)
	}

	stats := env.hub.ConnectionStats()
	assert.Zero(t, stats.TotalConnections)
	assert.Zero(t, stats.UniqueUsers)
	assert.Empty(t, env.hub.rooms.Rooms())

	assert.ErrorIs(t, env.hub.Publish(room.Server("s1"), event.ActionNotification, nil), dispatch.ErrClosed)
	assert.NoError(t, env.hub.Shutdown(context.Background()), "shutdown is idempotent")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "alice"))
	_, res, err := env.dial(t, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "alice")
	env.connect(t, "alice")
	env.connect(t, "bob")

	res, err := http.Get(env.srv.URL + "/stats")
	require.NoError(t, err)
	defer res.Body.Close()

	var stats dispatch.Stats
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, stats.ConnectionsPerUser)

	res, err = http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
