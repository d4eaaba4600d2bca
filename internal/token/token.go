// Package token mints the short-lived signed tokens shown on the presenter's
// rotating QR code. A token ties a scan to one live session; the signature
// proves who minted it, while freshness is enforced separately by the
// verification engine.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TypeAttendance is the fixed type discriminator embedded in every token, so
// a staff access token can never be replayed as an attendance token.
const TypeAttendance = "attendance"

var (
	// ErrInvalid covers bad signatures, malformed tokens and wrong type tags.
	ErrInvalid = errors.New("invalid attendance token")
)

// Claims is the signed token payload.
type Claims struct {
	SessionID      string `json:"sid"`
	IssuedAtMillis int64  `json:"iat_ms"`
	Type           string `json:"typ"`
	jwt.RegisteredClaims
}

// IssuedTime returns the embedded issue instant.
func (c Claims) IssuedTime() time.Time {
	return time.UnixMilli(c.IssuedAtMillis)
}

// Issuer signs and decodes attendance tokens with a process-wide symmetric
// key handed in explicitly at construction.
type Issuer struct {
	key []byte
	now func() time.Time
}

// NewIssuer builds an issuer around the signing key.
func NewIssuer(signingKey string) *Issuer {
	return &Issuer{key: []byte(signingKey), now: time.Now}
}

// Issue mints a signed token for the session. Callers are expected to have
// already checked that the caller owns the session; the token itself carries
// no caller identity.
func (i *Issuer) Issue(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id required")
	}
	claims := Claims{
		SessionID:      sessionID,
		IssuedAtMillis: i.now().UnixMilli(),
		Type:           TypeAttendance,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Decode verifies signature and shape and returns the claims. It does NOT
// check freshness; the engine owns the validity window so expiry is judged
// against a single clock alongside the other checks.
func (i *Issuer) Decode(raw string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	})
	if err != nil {
		return Claims{}, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalid
	}
	if claims.Type != TypeAttendance || claims.SessionID == "" || claims.IssuedAtMillis == 0 {
		return Claims{}, ErrInvalid
	}
	return *claims, nil
}
