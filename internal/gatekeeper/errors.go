package gatekeeper

import (
	"fmt"
	"log/slog"
	"net/http"
)

/*
Reason is the taxonomy of handshake failures.  Every reason is terminal for the attempt.
*/
type Reason string

const (
	NoCredential      Reason = "NO_CREDENTIAL"
	InvalidCredential Reason = "INVALID_CREDENTIAL"
	UserNotFound      Reason = "USER_NOT_FOUND"
	UserInactive      Reason = "USER_INACTIVE"
	InternalError     Reason = "INTERNAL_ERROR"
)

type AuthError struct {
	Err    error
	Reason Reason
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Severity is the level the failure is logged at.  Dependency failures are elevated.
func (e *AuthError) Severity() slog.Level {
	if e.Reason == InternalError {
		return slog.LevelError
	}
	return slog.LevelWarn
}

// Message is the text shown to the client.  It never reveals internal details.
func (e *AuthError) Message() string {
	switch e.Reason {
	case NoCredential:
		return "Authentication required."
	case InvalidCredential:
		return "Invalid or expired credential."
	case UserNotFound:
		return "User not found."
	case UserInactive:
		return "User account is inactive."
	}
	return "Authentication is temporarily unavailable. Please try again later."
}

// Status is the HTTP status used when the handshake is refused before the upgrade.
func (e *AuthError) Status() int {
	switch e.Reason {
	case UserInactive:
		return http.StatusForbidden
	case InternalError:
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}
