package attendance

import (
	"time"
)

// Session is one live attendance-taking window for a subject. It is opened by
// faculty, closed by faculty/admin action or the staleness sweep, and stays
// closed unless an administrator explicitly reopens it.
type Session struct {
	ID        string     `json:"id"`
	SubjectID string     `json:"subject_id"`
	FacultyID string     `json:"faculty_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Active    bool       `json:"active"`
}

// Binding is the per-student device authorization state.
type Binding struct {
	DeviceID       *string `json:"device_id,omitempty"`
	ResetRequested bool    `json:"reset_requested"`
}

// ProxyAttempt records a scan whose device identity did not belong to the
// claiming student. Immutable once written; surfaced to administrators.
type ProxyAttempt struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	DeviceID       string    `json:"device_id"`
	OwnerStudentID *string   `json:"owner_student_id,omitempty"`
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// User is a login principal: admin, faculty or student.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// MarkOutcome classifies the device-binding leg of a scan.
type MarkOutcome int

const (
	// OutcomeFirstBind: the student had no bound device; this scan bound it.
	OutcomeFirstBind MarkOutcome = iota
	// OutcomeMatch: the presented device is the student's bound device.
	OutcomeMatch
	// OutcomeMismatch: the presented device belongs to someone else (or at
	// least not to this student). The mark is withheld.
	OutcomeMismatch
)

// MarkResult is what BindAndMark decided inside its transaction.
type MarkResult struct {
	Outcome MarkOutcome
	// OwnerStudentID is the student the mismatching device is bound to, when
	// one exists.
	OwnerStudentID *string
	// Duplicate is true when the student was already marked for the session;
	// the scan is an accepted no-op.
	Duplicate bool
}

// DecideBinding is the pure binding decision: given the student's currently
// bound device (nil when unbound) and the device presented by the scan, it
// classifies the scan. The repository re-evaluates this under a row lock so
// two racing first scans cannot both bind.
func DecideBinding(bound *string, presented string) MarkOutcome {
	switch {
	case bound == nil || *bound == "":
		return OutcomeFirstBind
	case *bound == presented:
		return OutcomeMatch
	default:
		return OutcomeMismatch
	}
}
