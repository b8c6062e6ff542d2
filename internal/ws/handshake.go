package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/treepeck/pulse/internal/gatekeeper"
	"github.com/treepeck/pulse/internal/logging"
	"github.com/treepeck/pulse/internal/session"
	"github.com/treepeck/pulse/pkg/dispatch"
	"github.com/treepeck/pulse/pkg/event"
)

/*
ServeWS handles a single connection attempt.

When the HTTP request carries a credential, the attempt is admitted before the upgrade and
refused with a plain HTTP error.  Otherwise the connection is upgraded first and the client
must send an authenticate event within the handshake timeout; a refusal is answered with an
authentication_error event and the connection is closed.  In both cases nothing is registered
until admission succeeds.
*/
func (h *Hub) ServeWS(rw http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(rw, "Server is shutting down. Please try again later.", http.StatusServiceUnavailable)
		return
	}
	if !h.checkOrigin(r) {
		logging.Security(h.logger, slog.LevelWarn, "Cross-site handshake refused",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("ip", r.RemoteAddr),
		)
		http.Error(rw, "Origin not allowed.", http.StatusForbidden)
		return
	}

	if credential := gatekeeper.CredentialFromRequest(r); credential != "" {
		id, err := h.gatekeeper.Admit(r.Context(), credential)
		if err != nil {
			ae := asAuthError(err)
			http.Error(rw, ae.Message(), ae.Status())
			return
		}

		ws, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			h.logger.Debug("Cannot upgrade connection", slog.Any("error", err))
			return
		}
		h.accept(ws, id)
		return
	}

	ws, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.Debug("Cannot upgrade connection", slog.Any("error", err))
		return
	}

	id, err := h.authenticate(ws)
	if err != nil {
		ae := asAuthError(err)
		h.reject(ws, event.EncodeOrPanic(event.ActionAuthenticationError, event.AuthenticationError{
			Message: ae.Message(),
		}), websocket.ClosePolicyViolation)
		return
	}
	h.accept(ws, id)
}

/*
authenticate waits for the authenticate event of a pending connection.  Any other frame, or
no frame within the handshake timeout, fails the attempt.
*/
func (h *Hub) authenticate(ws *websocket.Conn) (gatekeeper.Identity, error) {
	timeout := h.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().HandshakeTimeout
	}
	deadline := time.Now().Add(timeout)

	ws.SetReadLimit(h.cfg.MaxMessageSize)
	ws.SetReadDeadline(deadline)

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return gatekeeper.Identity{}, h.unauthenticated(err)
	}

	in, err := event.Decode(raw)
	if err != nil {
		return gatekeeper.Identity{}, h.unauthenticated(err)
	}
	a, ok := in.(event.Authenticate)
	if !ok {
		return gatekeeper.Identity{}, h.unauthenticated(errors.New("expected authenticate, got " + string(in.Action())))
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return h.gatekeeper.Admit(ctx, a.Credential)
}

// unauthenticated reports a pending connection that never presented a credential.
func (h *Hub) unauthenticated(err error) error {
	logging.Security(h.logger, slog.LevelWarn, "Connection refused",
		slog.String("reason", string(gatekeeper.NoCredential)),
		slog.Any("error", err),
	)
	return &gatekeeper.AuthError{Reason: gatekeeper.NoCredential, Err: err}
}

/*
accept creates the connection state for an admitted identity, hands the client over to the
hub and starts its pumps.
*/
func (h *Hub) accept(ws *websocket.Conn, id gatekeeper.Identity) {
	now := time.Now()
	conn := &session.Connection{
		Id:            uuid.NewString(),
		UserId:        id.UserId,
		UserName:      id.Name,
		Role:          id.Role,
		Scope:         id.Scope,
		Authenticated: true,
		CreatedAt:     now,
		ExpiresAt:     h.expiry(now, id.ExpiresAt),
	}
	// Clear the handshake deadline; the read pump sets its own.
	ws.SetReadDeadline(time.Time{})

	c := newClient(conn, h, ws)
	if err := h.enter(c); err != nil {
		h.logger.Info("Registration refused", slog.String("userId", conn.UserId), slog.Any("error", err))

		var raw []byte
		switch {
		case errors.Is(err, ErrConnectionLimit):
			raw = event.EncodeOrPanic(event.ActionError, event.Error{
				Message: "Too many active connections.",
				Code:    event.CodeConnectionLimit,
			})
		case errors.Is(err, dispatch.ErrClosed):
			raw = event.EncodeOrPanic(event.ActionSystemMaintenance, event.SystemMaintenance{
				Message: h.cfg.MaintenanceMessage,
			})
		default:
			raw = event.EncodeOrPanic(event.ActionError, event.Error{
				Message: "Cannot register connection.",
				Code:    event.CodeInvalidPayload,
			})
		}
		h.reject(ws, raw, websocket.CloseTryAgainLater)
		return
	}

	go c.read()
	go c.write()
}

/*
expiry bounds the lifetime of a connection by the credential expiry and the maximum
connection age, whichever comes first.  Since the scope is never recomputed, this is also
the bound on how stale it can get.
*/
func (h *Hub) expiry(now, credentialExpiry time.Time) time.Time {
	exp := credentialExpiry
	if age := h.cfg.MaxConnectionAge; age > 0 {
		if limit := now.Add(age); exp.IsZero() || limit.Before(exp) {
			exp = limit
		}
	}
	return exp
}

// reject writes a final frame to a connection that was never registered and closes it.
func (h *Hub) reject(ws *websocket.Conn, raw []byte, code int) {
	defer ws.Close()

	deadline := time.Now().Add(h.cfg.WriteWait)
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return
	}
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
}

func asAuthError(err error) *gatekeeper.AuthError {
	var ae *gatekeeper.AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return &gatekeeper.AuthError{Reason: gatekeeper.InternalError, Err: err}
}
