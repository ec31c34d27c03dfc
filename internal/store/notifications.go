package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification statuses. Transitions follow
// PENDING -> PROCESSING -> SENT | FAILED.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSent       = "SENT"
	StatusFailed     = "FAILED"
)

// Notification is a persisted notification record created when a rule fires.
type Notification struct {
	ID           string
	RuleID       int64
	EnterpriseID *string
	Subject      string
	Body         string
	Status       string
	Error        string
	ScheduledAt  *time.Time
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const notificationColumns = `id, rule_id, enterprise_id, subject, body, status, err,
	scheduled_at, attempts, created_at, updated_at`

func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var (
		n       Notification
		ent     sql.NullString
		errStr  sql.NullString
		sched   sql.NullString
		created string
		updated string
	)
	if err := row.Scan(&n.ID, &n.RuleID, &ent, &n.Subject, &n.Body, &n.Status, &errStr,
		&sched, &n.Attempts, &created, &updated); err != nil {
		return Notification{}, err
	}
	n.EnterpriseID = strPtr(ent)
	if errStr.Valid {
		n.Error = errStr.String
	}
	if sched.Valid {
		if t, err := parseTime(sched.String); err == nil {
			n.ScheduledAt = &t
		}
	}
	if t, err := parseTime(created); err == nil {
		n.CreatedAt = t
	}
	if t, err := parseTime(updated); err == nil {
		n.UpdatedAt = t
	}
	return n, nil
}

// CreateNotification persists a new PENDING notification and returns its id.
// A missing ID is filled with a fresh uuid.
func (s *Store) CreateNotification(ctx context.Context, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	var sched any
	if n.ScheduledAt != nil {
		sched = fmtTime(*n.ScheduledAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(`+notificationColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.RuleID, nullStr(n.EnterpriseID), n.Subject, n.Body, n.Status, nil,
		sched, n.Attempts, fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt))
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// GetNotification fetches one notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotificationNotFound
	}
	return n, err
}

// PollPending returns up to limit PENDING notifications without a scheduled_at,
// oldest first.
func (s *Store) PollPending(ctx context.Context, limit int) ([]Notification, error) {
	return s.pollWhere(ctx,
		`status = ? AND scheduled_at IS NULL ORDER BY created_at ASC`, limit, StatusPending)
}

// PollFailed returns up to limit FAILED notifications that still have retry
// budget (attempts < maxAttempts), oldest first.
func (s *Store) PollFailed(ctx context.Context, limit, maxAttempts int) ([]Notification, error) {
	return s.pollWhere(ctx,
		`status = ? AND attempts < ? ORDER BY updated_at ASC`, limit, StatusFailed, maxAttempts)
}

// PollScheduled returns up to limit PENDING notifications whose scheduled_at
// is due at now.
func (s *Store) PollScheduled(ctx context.Context, limit int, now time.Time) ([]Notification, error) {
	return s.pollWhere(ctx,
		`status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at ASC`,
		limit, StatusPending, fmtTime(now))
}

func (s *Store) pollWhere(ctx context.Context, where string, limit int, args ...any) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE `+where+` LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkProcessing transitions a notification to PROCESSING and bumps attempts.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusProcessing, "", true)
}

// MarkSent transitions a notification to SENT and clears any error.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusSent, "", false)
}

// MarkFailed transitions a notification to FAILED with the given error text.
func (s *Store) MarkFailed(ctx context.Context, id string, errText string) error {
	return s.setStatus(ctx, id, StatusFailed, errText, false)
}

func (s *Store) setStatus(ctx context.Context, id, status, errText string, bumpAttempts bool) error {
	var errCol any
	if errText != "" {
		errCol = errText
	}
	bump := 0
	if bumpAttempts {
		bump = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, err = ?, attempts = attempts + ?, updated_at = ?
		 WHERE id = ?`,
		status, errCol, bump, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
