package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Watermark names used by ruleflow loops.
const (
	WatermarkExecutionLoop = "execution_loop"
)

// GetWatermark returns the stored watermark timestamp for name.
// ok is false when no watermark has been written yet.
func (s *Store) GetWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT ts FROM watermarks WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SetWatermark upserts the watermark timestamp for name.
func (s *Store) SetWatermark(ctx context.Context, name string, t time.Time) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks(name, ts, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET ts=excluded.ts, updated_at=excluded.updated_at`,
		name, fmtTime(t), now)
	return err
}

// ResetWatermark deletes the watermark when t is nil, otherwise rewrites it.
// The next reader falls back to its cold-start derivation.
func (s *Store) ResetWatermark(ctx context.Context, name string, t *time.Time) error {
	if t == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM watermarks WHERE name = ?`, name)
		return err
	}
	return s.SetWatermark(ctx, name, *t)
}
