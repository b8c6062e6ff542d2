/*
Package auth verifies and issues the bearer credentials presented at handshake.  Tokens are
HMAC-signed JWTs whose subject is the user id.
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential wraps every rejection caused by the presented token itself.
var ErrInvalidCredential = errors.New("invalid credential")

// Claims is the verified content of a credential.
type Claims struct {
	ExpiresAt time.Time
	UserId    string
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

/*
Verify checks the signature, the signing method and the expiry of the token.  Tokens without
an expiry or a subject are rejected.
*/
func (v *Verifier) Verify(_ context.Context, token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, v.key,
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}

	return Claims{UserId: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Sign issues a token for the user valid for ttl.
func (v *Verifier) Sign(userId string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userId,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(v.secret)
}

func (v *Verifier) key(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrSignatureInvalid
	}
	return v.secret, nil
}
