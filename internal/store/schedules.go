package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrNamespaceExists   = errors.New("namespace already exists")
)

// ScheduleRow is a persisted schedule spec, opaque to the store.
type ScheduleRow struct {
	ScheduleID string
	Namespace  string
	SpecJSON   []byte
	Paused     bool
}

// PutSchedule inserts or replaces a schedule row.
func (s *Store) PutSchedule(ctx context.Context, row ScheduleRow) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(schedule_id, namespace, spec, paused, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(schedule_id) DO UPDATE SET
		   namespace=excluded.namespace, spec=excluded.spec,
		   paused=excluded.paused, updated_at=excluded.updated_at`,
		row.ScheduleID, row.Namespace, string(row.SpecJSON), boolInt(row.Paused), now, now)
	return err
}

// GetSchedule fetches one schedule row.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (ScheduleRow, error) {
	var (
		row    ScheduleRow
		spec   string
		paused int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schedule_id, namespace, spec, paused FROM schedules WHERE schedule_id = ?`,
		scheduleID).Scan(&row.ScheduleID, &row.Namespace, &spec, &paused)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleRow{}, ErrScheduleNotFound
	}
	if err != nil {
		return ScheduleRow{}, err
	}
	row.SpecJSON = []byte(spec)
	row.Paused = paused != 0
	return row, nil
}

// DeleteSchedule removes a schedule row. Reports ErrScheduleNotFound when absent.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// ListSchedules returns all schedule rows in a namespace, id-ordered.
func (s *Store) ListSchedules(ctx context.Context, namespace string) ([]ScheduleRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_id, namespace, spec, paused FROM schedules
		 WHERE namespace = ? ORDER BY schedule_id ASC`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRow
	for rows.Next() {
		var (
			row    ScheduleRow
			spec   string
			paused int64
		)
		if err := rows.Scan(&row.ScheduleID, &row.Namespace, &spec, &paused); err != nil {
			return nil, err
		}
		row.SpecJSON = []byte(spec)
		row.Paused = paused != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

// NamespaceRow is a provisioned logical partition.
type NamespaceRow struct {
	Name         string
	RetentionSec int64
	Description  string
	IsGlobal     bool
}

// GetNamespace fetches a namespace row, ErrNamespaceNotFound when absent.
func (s *Store) GetNamespace(ctx context.Context, name string) (NamespaceRow, error) {
	var (
		row    NamespaceRow
		global int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, retention_sec, description, is_global FROM namespaces WHERE name = ?`,
		name).Scan(&row.Name, &row.RetentionSec, &row.Description, &global)
	if errors.Is(err, sql.ErrNoRows) {
		return NamespaceRow{}, ErrNamespaceNotFound
	}
	if err != nil {
		return NamespaceRow{}, err
	}
	row.IsGlobal = global != 0
	return row, nil
}

// CreateNamespace inserts a namespace row, ErrNamespaceExists on conflict.
func (s *Store) CreateNamespace(ctx context.Context, row NamespaceRow) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces(name, retention_sec, description, is_global, created_at)
		 VALUES(?,?,?,?,?) ON CONFLICT(name) DO NOTHING`,
		row.Name, row.RetentionSec, row.Description, boolInt(row.IsGlobal), fmtTime(time.Now()))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNamespaceExists
	}
	return nil
}
