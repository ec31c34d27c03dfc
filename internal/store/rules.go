package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrRuleNotFound = errors.New("rule not found")

// Trigger types. Only cron triggers are schedulable today.
const (
	TriggerCron = "CRON"
)

// Publish statuses.
const (
	PublishStatusPublished = "PUBLISHED"
	PublishStatusDraft     = "DRAFT"
)

// TriggerConfig describes when a rule fires.
// An empty Timezone means UTC.
type TriggerConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Rule is a persisted notification rule.
type Rule struct {
	ID            int64
	Name          string
	EnterpriseID  *string
	BusinessID    *string
	WorkflowID    string
	TriggerType   string
	TriggerConfig *TriggerConfig
	Payload       json.RawMessage
	PublishStatus string
	Deactivated   bool
	UpdatedAt     time.Time
}

const ruleColumns = `id, name, enterprise_id, business_id, workflow_id, trigger_type,
	trigger_cron, trigger_tz, trigger_enabled, payload, publish_status, deactivated, updated_at`

func scanRule(row interface{ Scan(...any) error }) (Rule, error) {
	var (
		r       Rule
		ent     sql.NullString
		biz     sql.NullString
		cron    sql.NullString
		tz      sql.NullString
		enabled int64
		payload sql.NullString
		deact   int64
		updated string
	)
	if err := row.Scan(&r.ID, &r.Name, &ent, &biz, &r.WorkflowID, &r.TriggerType,
		&cron, &tz, &enabled, &payload, &r.PublishStatus, &deact, &updated); err != nil {
		return Rule{}, err
	}
	r.EnterpriseID = strPtr(ent)
	r.BusinessID = strPtr(biz)
	if cron.Valid || tz.Valid {
		r.TriggerConfig = &TriggerConfig{Cron: cron.String, Timezone: tz.String, Enabled: enabled != 0}
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	r.Deactivated = deact != 0
	t, err := parseTime(updated)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %d: bad updated_at %q: %w", r.ID, updated, err)
	}
	r.UpdatedAt = t
	return r, nil
}

// PutRule inserts or replaces a rule. UpdatedAt is set to now when zero.
func (s *Store) PutRule(ctx context.Context, r Rule) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	var cron, tz any
	enabled := int64(0)
	if r.TriggerConfig != nil {
		if r.TriggerConfig.Cron != "" {
			cron = r.TriggerConfig.Cron
		}
		if r.TriggerConfig.Timezone != "" {
			tz = r.TriggerConfig.Timezone
		}
		if r.TriggerConfig.Enabled {
			enabled = 1
		}
	}
	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(`+ruleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, enterprise_id=excluded.enterprise_id,
		   business_id=excluded.business_id, workflow_id=excluded.workflow_id,
		   trigger_type=excluded.trigger_type, trigger_cron=excluded.trigger_cron,
		   trigger_tz=excluded.trigger_tz, trigger_enabled=excluded.trigger_enabled,
		   payload=excluded.payload, publish_status=excluded.publish_status,
		   deactivated=excluded.deactivated, updated_at=excluded.updated_at`,
		r.ID, r.Name, nullStr(r.EnterpriseID), nullStr(r.BusinessID), r.WorkflowID, r.TriggerType,
		cron, tz, enabled, payload, r.PublishStatus, boolInt(r.Deactivated), fmtTime(r.UpdatedAt))
	return err
}

// GetRule fetches one rule by id. Returns ErrRuleNotFound when absent.
func (s *Store) GetRule(ctx context.Context, id int64) (Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrRuleNotFound
	}
	return r, err
}

// DeleteRule removes a rule. Deleting an absent rule is not an error.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return err
}

// GetRulesUpdatedAfter returns rules with updated_at strictly after since,
// ordered by updated_at ascending, up to limit.
func (s *Store) GetRulesUpdatedAfter(ctx context.Context, since time.Time, limit int, enterpriseID *string) ([]Rule, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + ruleColumns + ` FROM rules WHERE updated_at > ?`
	args := []any{fmtTime(since)}
	if enterpriseID != nil {
		q += ` AND enterprise_id = ?`
		args = append(args, *enterpriseID)
	}
	q += ` ORDER BY updated_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLastRuleUpdateTime returns the newest updated_at across rules.
// ok is false when the store has no matching rules.
func (s *Store) GetLastRuleUpdateTime(ctx context.Context, enterpriseID *string) (time.Time, bool, error) {
	q := `SELECT MAX(updated_at) FROM rules`
	var args []any
	if enterpriseID != nil {
		q += ` WHERE enterprise_id = ?`
		args = append(args, *enterpriseID)
	}
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&raw); err != nil {
		return time.Time{}, false, err
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// ListPublishedRules returns all published (non-draft) rules, optionally
// scoped to one enterprise. Deactivated rules are included; deactivation is
// reflected on the schedule as paused, not by dropping the rule.
func (s *Store) ListPublishedRules(ctx context.Context, enterpriseID *string) ([]Rule, error) {
	q := `SELECT ` + ruleColumns + ` FROM rules WHERE publish_status = ?`
	args := []any{PublishStatusPublished}
	if enterpriseID != nil {
		q += ` AND enterprise_id = ?`
		args = append(args, *enterpriseID)
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
