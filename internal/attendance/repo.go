package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/netcheck"
)

// ErrNotFound is returned when a referenced session or student row does not
// exist.
var ErrNotFound = errors.New("not found")

// Repository persists attendance-integrity state in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSession opens a live session for a subject.
func (r *Repository) CreateSession(ctx context.Context, subjectID, facultyID string) (Session, error) {
	if subjectID == "" || facultyID == "" {
		return Session{}, errors.New("subject and faculty required")
	}
	s := Session{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		FacultyID: facultyID,
		Active:    true,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, subject_id, faculty_id, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING started_at
	`, s.ID, s.SubjectID, s.FacultyID)
	if err := row.Scan(&s.StartedAt); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// GetSession returns a session by id, or nil when unknown.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_id, faculty_id, started_at, ended_at, active
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.SubjectID, &s.FacultyID, &s.StartedAt, &s.EndedAt, &s.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// EndSession deactivates a session and stamps its end time. Ending an already
// ended session is a no-op.
func (r *Repository) EndSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET active = FALSE, ended_at = COALESCE(ended_at, NOW())
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReopenSession reactivates a closed session. Administrative override only;
// normal session lifecycle is terminal once inactive.
func (r *Repository) ReopenSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET active = TRUE, ended_at = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("reopen session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepStale deactivates sessions older than maxAge and returns the count.
// Safe to run concurrently with live scans: it only touches sessions whose
// start time is already past the threshold.
func (r *Repository) SweepStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET active = FALSE, ended_at = COALESCE(ended_at, NOW())
		WHERE active AND started_at < NOW() - ($1 * interval '1 second')
	`, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetOriginSettings returns the singleton origin policy, lazily inserting the
// safe default (check disabled) on first read.
func (r *Repository) GetOriginSettings(ctx context.Context) (netcheck.Settings, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (id, allowed_ip_prefix, ip_check_enabled)
		VALUES (1, '', FALSE)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return netcheck.Settings{}, fmt.Errorf("init settings: %w", err)
	}
	var s netcheck.Settings
	row := r.db.QueryRowContext(ctx, `SELECT allowed_ip_prefix, ip_check_enabled FROM settings WHERE id = 1`)
	if err := row.Scan(&s.AllowedPrefix, &s.Enabled); err != nil {
		return netcheck.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

// UpdateOriginSettings replaces the origin policy.
func (r *Repository) UpdateOriginSettings(ctx context.Context, s netcheck.Settings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (id, allowed_ip_prefix, ip_check_enabled)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET allowed_ip_prefix = $1, ip_check_enabled = $2
	`, s.AllowedPrefix, s.Enabled)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// GetBinding returns a student's current device-binding state.
func (r *Repository) GetBinding(ctx context.Context, studentID string) (Binding, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT bound_device_id, reset_requested FROM students WHERE id = $1
	`, studentID)
	var b Binding
	if err := row.Scan(&b.DeviceID, &b.ResetRequested); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

// BindAndMark is the transactional heart of verification: under a row lock on
// the student it evaluates the binding decision, binds on first use, records
// the attendance mark idempotently, or writes a proxy-attempt record when the
// device belongs elsewhere. Exactly one of {mark, proxy record} is committed.
func (r *Repository) BindAndMark(ctx context.Context, sessionID, studentID, deviceID string) (MarkResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return MarkResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var bound sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT bound_device_id FROM students WHERE id = $1 FOR UPDATE
	`, studentID)
	if err := row.Scan(&bound); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MarkResult{}, ErrNotFound
		}
		return MarkResult{}, fmt.Errorf("lock student: %w", err)
	}

	var boundPtr *string
	if bound.Valid {
		boundPtr = &bound.String
	}

	res := MarkResult{Outcome: DecideBinding(boundPtr, deviceID)}
	switch res.Outcome {
	case OutcomeMismatch:
		var owner sql.NullString
		row := tx.QueryRowContext(ctx, `
			SELECT id FROM students WHERE bound_device_id = $1 AND id <> $2 LIMIT 1
		`, deviceID, studentID)
		if err := row.Scan(&owner); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return MarkResult{}, fmt.Errorf("resolve device owner: %w", err)
		}
		if owner.Valid {
			res.OwnerStudentID = &owner.String
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO proxy_attempts (id, student_id, device_id, owner_student_id, session_id)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.NewString(), studentID, deviceID, res.OwnerStudentID, sessionID)
		if err != nil {
			return MarkResult{}, fmt.Errorf("record proxy attempt: %w", err)
		}

	case OutcomeFirstBind:
		_, err := tx.ExecContext(ctx, `
			UPDATE students SET bound_device_id = $2 WHERE id = $1
		`, studentID, deviceID)
		if err != nil {
			return MarkResult{}, fmt.Errorf("bind device: %w", err)
		}
		fallthrough

	case OutcomeMatch:
		ins, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_marks (id, session_id, student_id, device_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, uuid.NewString(), sessionID, studentID, deviceID)
		if err != nil {
			return MarkResult{}, fmt.Errorf("insert mark: %w", err)
		}
		if n, _ := ins.RowsAffected(); n == 0 {
			res.Duplicate = true
		}
	}

	if err := tx.Commit(); err != nil {
		return MarkResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// ClearBinding removes a student's bound device and reset flag in one update.
func (r *Repository) ClearBinding(ctx context.Context, studentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET bound_device_id = NULL, reset_requested = FALSE WHERE id = $1
	`, studentID)
	if err != nil {
		return fmt.Errorf("clear binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResetRequest flags a student's binding for administrator review. The
// binding itself stays in force.
func (r *Repository) SetResetRequest(ctx context.Context, studentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET reset_requested = TRUE WHERE id = $1
	`, studentID)
	if err != nil {
		return fmt.Errorf("set reset request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearResetRequest drops the flag without touching the binding.
func (r *Repository) ClearResetRequest(ctx context.Context, studentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET reset_requested = FALSE WHERE id = $1
	`, studentID)
	if err != nil {
		return fmt.Errorf("clear reset request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProxyAttempts returns recent proxy-attempt records, newest first.
func (r *Repository) ListProxyAttempts(ctx context.Context, limit, offset int) ([]ProxyAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, device_id, owner_student_id, session_id, created_at
		FROM proxy_attempts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list proxy attempts: %w", err)
	}
	defer rows.Close()
	var res []ProxyAttempt
	for rows.Next() {
		var p ProxyAttempt
		if err := rows.Scan(&p.ID, &p.StudentID, &p.DeviceID, &p.OwnerStudentID, &p.SessionID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// GetUserByEmail returns a login principal, or nil when unknown.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, password_hash, created_at
		FROM users WHERE email = $1
	`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID, tok string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, userID, tok, expiresAt)
	return err
}

// InsertAuditEvent appends to the immutable audit trail consumed by the admin
// dashboard. Written by the worker, never updated.
func (r *Repository) InsertAuditEvent(ctx context.Context, kind, sessionID, studentID, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, session_id, student_id, device_id)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), kind, sessionID, studentID, deviceID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
