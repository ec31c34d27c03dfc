package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTimezone is applied when a spec carries no explicit timezone.
const DefaultTimezone = "UTC"

// StartWorkflowAction starts a workflow execution when the schedule fires.
type StartWorkflowAction struct {
	WorkflowType string          `json:"workflow_type"`
	TaskQueue    string          `json:"task_queue"`
	Args         json.RawMessage `json:"args,omitempty"`
}

// Memo carries rule identity on the schedule for operators and reconciliation.
type Memo struct {
	RuleID       int64   `json:"rule_id"`
	EnterpriseID *string `json:"enterprise_id,omitempty"`
	RuleName     string  `json:"rule_name,omitempty"`
}

// State is the mutable part of a schedule.
type State struct {
	Paused bool   `json:"paused"`
	Note   string `json:"note,omitempty"`
}

// Spec fully describes one durable schedule.
type Spec struct {
	ScheduleID      string              `json:"schedule_id"`
	CronExpressions []string            `json:"cron_expressions"`
	Timezone        string              `json:"timezone,omitempty"`
	Action          StartWorkflowAction `json:"action"`
	Memo            Memo                `json:"memo"`
	State           State               `json:"state"`
}

// ListEntry identifies one schedule when listing.
type ListEntry struct {
	ScheduleID string
}

// NamespaceInfo describes a logical partition on the schedule service.
type NamespaceInfo struct {
	Name        string
	Retention   time.Duration
	Description string
	IsGlobal    bool
}

// Handle operates on one existing schedule.
//
// Every method reports absence as a Kind NotFound error; callers decide
// whether to fall back to Create or to swallow it.
type Handle interface {
	ID() string
	Update(ctx context.Context, spec Spec) error
	Describe(ctx context.Context) (Spec, error)
	Delete(ctx context.Context) error
	Pause(ctx context.Context, note string) error
	Unpause(ctx context.Context, note string) error
	Trigger(ctx context.Context) error
	Backfill(ctx context.Context, start, end time.Time) error
}

// Client is the consumed surface of the durable scheduling service.
type Client interface {
	Create(ctx context.Context, spec Spec) (Handle, error)
	GetHandle(scheduleID string) Handle
	List(ctx context.Context) ([]ListEntry, error)

	DescribeNamespace(ctx context.Context, name string) (NamespaceInfo, error)
	RegisterNamespace(ctx context.Context, info NamespaceInfo) error
}

// ScheduleID derives the deterministic schedule id for a rule. Rules without
// an enterprise use the literal "null" segment, keeping the id stable for
// both lookup and idempotent re-sync.
func ScheduleID(ruleID int64, enterpriseID *string) string {
	ent := "null"
	if enterpriseID != nil && *enterpriseID != "" {
		ent = *enterpriseID
	}
	return fmt.Sprintf("rule-%d-%s", ruleID, ent)
}
