// Package verify decides, for a single scan, whether a claimed attendance
// mark is genuine: right token, right window, live session, allowed network,
// and the student's own device.
package verify

import (
	"context"
	"errors"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/netcheck"
	"rollcall/internal/token"
)

// Verdict statuses.
const (
	StatusAccept = "accept"
	StatusReject = "reject"
	StatusFlag   = "flag"
)

// Machine-readable rejection reasons.
const (
	ReasonInvalidToken     = "invalid_token"
	ReasonExpiredToken     = "expired_token"
	ReasonSessionClosed    = "session_closed"
	ReasonOriginNotAllowed = "origin_not_allowed"
	ReasonProxyAttempt     = "proxy_attempt"
)

// Verdict is the outcome of one verification call.
type Verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	// SessionID is set once the token parsed, so callers can attribute the
	// verdict even on rejection.
	SessionID string `json:"session_id,omitempty"`
	// Duplicate marks an accepted re-scan that changed nothing.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Accepted reports whether the scan resulted in a recorded (or already
// recorded) attendance mark.
func (v Verdict) Accepted() bool { return v.Status == StatusAccept }

// Store is the persistence surface the engine needs. All mutations happen
// through it; the engine keeps no binding state between calls.
type Store interface {
	GetSession(ctx context.Context, id string) (*attendance.Session, error)
	GetOriginSettings(ctx context.Context) (netcheck.Settings, error)
	BindAndMark(ctx context.Context, sessionID, studentID, deviceID string) (attendance.MarkResult, error)
}

// Engine is the verification state machine. Checks run in a fixed order and
// the first failure is terminal; only the device-binding leg has durable side
// effects (the mark, or a proxy-attempt record).
type Engine struct {
	tokens *token.Issuer
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewEngine builds an engine. window is the token validity period; tokens at
// or past that age are rejected.
func NewEngine(tokens *token.Issuer, store Store, window time.Duration) *Engine {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Engine{tokens: tokens, store: store, window: window, now: time.Now}
}

// Verify runs the full check for one scan. A non-nil error means the store
// failed and the caller may retry; the verdict is only meaningful when err is
// nil. The engine itself never retries.
func (e *Engine) Verify(ctx context.Context, rawToken, deviceID, origin, studentID string) (Verdict, error) {
	if deviceID == "" || studentID == "" {
		return Verdict{}, errors.New("device and student required")
	}

	claims, err := e.tokens.Decode(rawToken)
	if err != nil {
		return Verdict{Status: StatusReject, Reason: ReasonInvalidToken}, nil
	}
	v := Verdict{SessionID: claims.SessionID}

	age := e.now().Sub(claims.IssuedTime())
	if age < 0 || age >= e.window {
		v.Status, v.Reason = StatusReject, ReasonExpiredToken
		return v, nil
	}

	sess, err := e.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return Verdict{}, err
	}
	if sess == nil || !sess.Active {
		v.Status, v.Reason = StatusReject, ReasonSessionClosed
		return v, nil
	}

	settings, err := e.store.GetOriginSettings(ctx)
	if err != nil {
		return Verdict{}, err
	}
	if !netcheck.Allowed(origin, settings) {
		v.Status, v.Reason = StatusReject, ReasonOriginNotAllowed
		return v, nil
	}

	res, err := e.store.BindAndMark(ctx, sess.ID, studentID, deviceID)
	if err != nil {
		return Verdict{}, err
	}
	if res.Outcome == attendance.OutcomeMismatch {
		v.Status, v.Reason = StatusFlag, ReasonProxyAttempt
		return v, nil
	}
	v.Status = StatusAccept
	v.Duplicate = res.Duplicate
	return v, nil
}
