// Package binding is the device-binding ledger: who may see, flag and clear
// the association between a student and their authorized device. A student
// can only ask for a reset; clearing the binding stays an administrator
// action so the anti-proxy control cannot be self-serviced away.
package binding

import (
	"context"
	"errors"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
)

// ErrUnauthorized means the caller's role does not permit the operation.
var ErrUnauthorized = errors.New("caller not authorized")

// Caller identifies the authenticated principal performing an operation.
type Caller struct {
	ID   string
	Role string
}

// Store is the persistence surface the ledger mutates.
type Store interface {
	GetBinding(ctx context.Context, studentID string) (attendance.Binding, error)
	ClearBinding(ctx context.Context, studentID string) error
	SetResetRequest(ctx context.Context, studentID string) error
	ClearResetRequest(ctx context.Context, studentID string) error
}

// Ledger wraps the store with capability checks.
type Ledger struct {
	store Store
}

// NewLedger builds a ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// ResetBinding clears the student's bound device and reset flag in one
// update. Administrator only.
func (l *Ledger) ResetBinding(ctx context.Context, caller Caller, studentID string) error {
	if caller.Role != auth.RoleAdmin {
		return ErrUnauthorized
	}
	return l.store.ClearBinding(ctx, studentID)
}

// RequestReset flags the student's own binding for administrator review. The
// binding remains in force until an administrator acts.
func (l *Ledger) RequestReset(ctx context.Context, caller Caller, studentID string) error {
	if caller.Role != auth.RoleStudent || caller.ID != studentID {
		return ErrUnauthorized
	}
	return l.store.SetResetRequest(ctx, studentID)
}

// RejectReset drops the reset flag without touching the binding.
// Administrator only.
func (l *Ledger) RejectReset(ctx context.Context, caller Caller, studentID string) error {
	if caller.Role != auth.RoleAdmin {
		return ErrUnauthorized
	}
	return l.store.ClearResetRequest(ctx, studentID)
}

// Binding returns the current binding state. Administrators may inspect any
// student; students only their own record.
func (l *Ledger) Binding(ctx context.Context, caller Caller, studentID string) (attendance.Binding, error) {
	if caller.Role != auth.RoleAdmin && !(caller.Role == auth.RoleStudent && caller.ID == studentID) {
		return attendance.Binding{}, ErrUnauthorized
	}
	return l.store.GetBinding(ctx, studentID)
}
