package workflow

import (
	"encoding/json"
	"time"
)

// Workflow type names routable by the runtime.
const (
	// TypeRuleScheduled is started by the schedule engine when a rule's
	// schedule fires.
	TypeRuleScheduled = "ruleScheduledWorkflow"
	// TypeNotificationLoop is the long-running notification execution loop.
	TypeNotificationLoop = "notificationExecutionWorkflow"
)

// DefaultTaskQueue is used when a config or schedule spec leaves the task
// queue blank.
const DefaultTaskQueue = "ruleflow-tasks"

// RuleFireInput is the argument payload of TypeRuleScheduled. Field names
// are part of the schedule-spec wire format and must stay stable across
// re-syncs.
type RuleFireInput struct {
	RuleID       int64           `json:"ruleId"`
	EnterpriseID *string         `json:"enterpriseId,omitempty"`
	BusinessID   *string         `json:"businessId,omitempty"`
	WorkflowID   string          `json:"workflowId,omitempty"`
	RulePayload  json.RawMessage `json:"rulePayload,omitempty"`
}

// LoopConfig is the runtime-adjustable configuration of the execution loop.
type LoopConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	ProcessFailed bool
	MaxAttempts   int
}

// LoopConfigPatch is a partial LoopConfig merged in by the update-config
// signal; nil fields keep their current value.
type LoopConfigPatch struct {
	PollInterval  *time.Duration
	BatchSize     *int
	ProcessFailed *bool
	MaxAttempts   *int
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

func (c LoopConfig) merge(p LoopConfigPatch) LoopConfig {
	if p.PollInterval != nil && *p.PollInterval > 0 {
		c.PollInterval = *p.PollInterval
	}
	if p.BatchSize != nil && *p.BatchSize > 0 {
		c.BatchSize = *p.BatchSize
	}
	if p.ProcessFailed != nil {
		c.ProcessFailed = *p.ProcessFailed
	}
	if p.MaxAttempts != nil && *p.MaxAttempts > 0 {
		c.MaxAttempts = *p.MaxAttempts
	}
	return c
}

// PollingState is the execution loop's query answer. It never mutates loop
// state.
type PollingState struct {
	LastPollTimestamp time.Time
	IsInitialized     bool
}
