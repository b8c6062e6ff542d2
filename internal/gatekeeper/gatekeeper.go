/*
Package gatekeeper admits new connections.  It verifies the bearer credential, loads the
user and computes the authorization scope before anything is registered, so a refused
attempt leaves no state behind.
*/
package gatekeeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/treepeck/pulse/internal/auth"
	"github.com/treepeck/pulse/internal/logging"
	"github.com/treepeck/pulse/internal/session"
	"github.com/treepeck/pulse/internal/store"
)

type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (auth.Claims, error)
}

// UserStore returns [store.ErrNotFound] for unknown users.
type UserStore interface {
	FindUser(ctx context.Context, id string) (store.User, error)
}

type MembershipService interface {
	ResourcesFor(ctx context.Context, userId string) ([]string, error)
}

// Identity is the outcome of a successful admission.
type Identity struct {
	ExpiresAt time.Time
	Scope     session.Scope
	UserId    string
	Name      string
	Role      string
}

type Gatekeeper struct {
	verifier IdentityVerifier
	users    UserStore
	members  MembershipService
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a gatekeeper.  A non-positive timeout disables the handshake deadline.
func New(v IdentityVerifier, u UserStore, m MembershipService, timeout time.Duration, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		verifier: v,
		users:    u,
		members:  m,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "gatekeeper")),
	}
}

/*
Admit runs the whole admission for one attempt.  On failure the returned error is always an
*[AuthError] and has already been logged as a security event.
*/
func (g *Gatekeeper) Admit(ctx context.Context, credential string) (Identity, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	id, err := g.admit(ctx, strings.TrimSpace(credential))
	if err != nil {
		var ae *AuthError
		if !errors.As(err, &ae) {
			ae = &AuthError{Reason: InternalError, Err: err}
		}
		logging.Security(g.logger, ae.Severity(), "Connection refused",
			slog.String("reason", string(ae.Reason)),
			slog.String("userId", id.UserId),
			slog.Any("error", ae.Err),
		)
		return Identity{}, ae
	}

	logging.Security(g.logger, slog.LevelInfo, "Connection admitted",
		slog.String("userId", id.UserId),
		slog.Int("scope", len(id.Scope)),
	)
	return id, nil
}

func (g *Gatekeeper) admit(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, &AuthError{Reason: NoCredential}
	}

	claims, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			return Identity{}, &AuthError{Reason: InvalidCredential, Err: err}
		}
		return Identity{}, &AuthError{Reason: InternalError, Err: err}
	}

	id := Identity{UserId: claims.UserId, ExpiresAt: claims.ExpiresAt}

	u, err := g.users.FindUser(ctx, claims.UserId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return id, &AuthError{Reason: UserNotFound, Err: err}
		}
		return id, &AuthError{Reason: InternalError, Err: err}
	}
	if !u.Active {
		return id, &AuthError{Reason: UserInactive}
	}
	id.Name = u.Name
	id.Role = u.Role

	resources, err := g.members.ResourcesFor(ctx, u.Id)
	if err != nil {
		return id, &AuthError{Reason: InternalError, Err: err}
	}
	id.Scope = session.NewScope(resources...)

	return id, nil
}

/*
CredentialFromRequest extracts the bearer credential from the handshake request: the
Authorization header first, then the "token" query parameter, then the "Auth" cookie.
Returns an empty string when none is present.
*/
func CredentialFromRequest(r *http.Request) string {
	credential, _ := lookupCredential(r)
	return credential
}

/*
IsCookieCredential reports whether the credential of the handshake request comes from the
Auth cookie, which browsers also attach to cross-site requests.
*/
func IsCookieCredential(r *http.Request) bool {
	_, fromCookie := lookupCredential(r)
	return fromCookie
}

func lookupCredential(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token), false
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, false
	}
	if cookie, err := r.Cookie("Auth"); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	return "", false
}
