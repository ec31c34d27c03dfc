// Package syncer maps persisted notification rules onto durable schedules.
//
// One rule owns exactly one schedule with the deterministic id
// "rule-{ruleID}-{enterpriseID|null}". A deactivated rule keeps its schedule
// in a paused state; the schedule is deleted only when the rule itself is
// deleted. Reconcile is the self-healing pass that repairs drift left by
// crashes mid-sync.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"ruleflow/internal/eventbus"
	"ruleflow/internal/schedule"
	"ruleflow/internal/store"
	"ruleflow/internal/workflow"
	logx "ruleflow/pkg/logx"
)

// ValidationError reports a rule whose trigger configuration cannot be
// turned into a schedule. It is fatal for that rule and never retried.
type ValidationError struct {
	RuleID int64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule %d: %s", e.RuleID, e.Reason)
}

// RuleLister is the read surface of the rule store the syncer consumes.
type RuleLister interface {
	ListPublishedRules(ctx context.Context, enterpriseID *string) ([]store.Rule, error)
}

type Config struct {
	// TaskQueue is stamped into every schedule's start-workflow action.
	TaskQueue string
	// SyncRatePerSec paces bulk sync fan-out. <=0 means 10.
	SyncRatePerSec int
}

// SyncStats counts the outcome of a bulk sync.
type SyncStats struct {
	Synced int
	Failed int
}

// ReconcileStats counts the outcome of a full reconciliation pass.
type ReconcileStats struct {
	Synced  int
	Failed  int
	Deleted int
}

// Service is the rule-to-schedule sync service.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	rules   RuleLister
	client  schedule.Client
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, rules RuleLister, client schedule.Client, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = workflow.DefaultTaskQueue
	}
	if cfg.SyncRatePerSec <= 0 {
		cfg.SyncRatePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		bus:     bus,
		rules:   rules,
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SyncRatePerSec), cfg.SyncRatePerSec),
	}
}

// BuildSpec derives the full schedule spec for a rule. The result is a pure
// function of the rule, which is what makes re-sync idempotent.
func (s *Service) BuildSpec(rule store.Rule) (schedule.Spec, error) {
	if rule.TriggerType != store.TriggerCron {
		return schedule.Spec{}, &ValidationError{RuleID: rule.ID,
			Reason: fmt.Sprintf("unsupported trigger type %q", rule.TriggerType)}
	}
	if rule.TriggerConfig == nil || strings.TrimSpace(rule.TriggerConfig.Cron) == "" {
		return schedule.Spec{}, &ValidationError{RuleID: rule.ID,
			Reason: "missing cron trigger configuration"}
	}

	tz := rule.TriggerConfig.Timezone
	if tz == "" {
		tz = schedule.DefaultTimezone
	}

	args, err := json.Marshal([]workflow.RuleFireInput{{
		RuleID:       rule.ID,
		EnterpriseID: rule.EnterpriseID,
		BusinessID:   rule.BusinessID,
		WorkflowID:   rule.WorkflowID,
		RulePayload:  rule.Payload,
	}})
	if err != nil {
		return schedule.Spec{}, err
	}

	note := ""
	if rule.Deactivated {
		note = "rule deactivated"
	}
	return schedule.Spec{
		ScheduleID:      schedule.ScheduleID(rule.ID, rule.EnterpriseID),
		CronExpressions: []string{rule.TriggerConfig.Cron},
		Timezone:        tz,
		Action: schedule.StartWorkflowAction{
			WorkflowType: workflow.TypeRuleScheduled,
			TaskQueue:    s.cfg.TaskQueue,
			Args:         args,
		},
		Memo: schedule.Memo{
			RuleID:       rule.ID,
			EnterpriseID: rule.EnterpriseID,
			RuleName:     rule.Name,
		},
		State: schedule.State{Paused: rule.Deactivated, Note: note},
	}, nil
}

// SyncRule creates or updates the schedule for one rule and returns its
// handle. Update-then-create keeps the common path (existing schedule) to a
// single call; only NotFound falls back to Create, every other error
// propagates unchanged.
func (s *Service) SyncRule(ctx context.Context, rule store.Rule) (schedule.Handle, error) {
	spec, err := s.BuildSpec(rule)
	if err != nil {
		return nil, err
	}

	handle := s.client.GetHandle(spec.ScheduleID)
	err = handle.Update(ctx, spec)
	if err == nil {
		s.log.Debug("schedule updated", logx.String("schedule_id", spec.ScheduleID), logx.Int64("rule_id", rule.ID))
		s.publish(eventbus.TypeRuleSynced, rule.ID, spec.ScheduleID, "")
		return handle, nil
	}
	if !schedule.IsNotFound(err) {
		return nil, err
	}

	handle, err = s.client.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.log.Info("schedule created",
		logx.String("schedule_id", spec.ScheduleID),
		logx.Int64("rule_id", rule.ID),
		logx.Bool("paused", spec.State.Paused))
	s.publish(eventbus.TypeRuleSynced, rule.ID, spec.ScheduleID, "")
	return handle, nil
}

// DeleteSchedule removes the schedule owned by a deleted rule. Absence is
// swallowed: the desired end state is already true.
func (s *Service) DeleteSchedule(ctx context.Context, rule store.Rule) error {
	id := schedule.ScheduleID(rule.ID, rule.EnterpriseID)
	err := s.client.GetHandle(id).Delete(ctx)
	if err != nil {
		if schedule.IsNotFound(err) {
			s.log.Debug("schedule already absent", logx.String("schedule_id", id))
			return nil
		}
		return err
	}
	s.log.Info("schedule deleted", logx.String("schedule_id", id), logx.Int64("rule_id", rule.ID))
	s.publish(eventbus.TypeScheduleDeleted, rule.ID, id, "")
	return nil
}

// SyncAll syncs every published rule, optionally scoped to one enterprise.
// Per-rule failures are logged and counted, never returned; only a failure
// to list the rules themselves is an error.
func (s *Service) SyncAll(ctx context.Context, enterpriseID *string) (SyncStats, error) {
	rules, err := s.rules.ListPublishedRules(ctx, enterpriseID)
	if err != nil {
		return SyncStats{}, fmt.Errorf("list rules: %w", err)
	}

	var stats SyncStats
	for _, rule := range rules {
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if _, err := s.SyncRule(ctx, rule); err != nil {
			stats.Failed++
			s.log.Warn("rule sync failed", logx.Int64("rule_id", rule.ID), logx.Err(err))
			s.publish(eventbus.TypeRuleSyncFailed, rule.ID, "", err.Error())
			continue
		}
		stats.Synced++
	}
	s.log.Info("bulk sync finished", logx.Int("synced", stats.Synced), logx.Int("failed", stats.Failed))
	return stats, nil
}

// Reconcile is the full-scan repair pass: schedules with no matching
// published rule are deleted, and every published rule is re-synced. It is
// not transactional; a crash mid-pass leaves drift the next pass heals.
func (s *Service) Reconcile(ctx context.Context, enterpriseID *string) (ReconcileStats, error) {
	entries, err := s.client.List(ctx)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("list schedules: %w", err)
	}
	rules, err := s.rules.ListPublishedRules(ctx, enterpriseID)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("list rules: %w", err)
	}

	want := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		want[schedule.ScheduleID(rule.ID, rule.EnterpriseID)] = struct{}{}
	}

	var stats ReconcileStats
	for _, entry := range entries {
		if !strings.HasPrefix(entry.ScheduleID, "rule-") {
			continue
		}
		if enterpriseID != nil && !strings.HasSuffix(entry.ScheduleID, "-"+*enterpriseID) {
			// Scoped pass: leave other enterprises' schedules alone.
			continue
		}
		if _, ok := want[entry.ScheduleID]; ok {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		err := s.client.GetHandle(entry.ScheduleID).Delete(ctx)
		if err != nil && !schedule.IsNotFound(err) {
			s.log.Warn("orphan schedule delete failed", logx.String("schedule_id", entry.ScheduleID), logx.Err(err))
			stats.Failed++
			continue
		}
		s.log.Info("orphan schedule deleted", logx.String("schedule_id", entry.ScheduleID))
		stats.Deleted++
	}

	for _, rule := range rules {
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if _, err := s.SyncRule(ctx, rule); err != nil {
			stats.Failed++
			s.log.Warn("rule sync failed during reconcile", logx.Int64("rule_id", rule.ID), logx.Err(err))
			continue
		}
		stats.Synced++
	}

	s.log.Info("reconciliation finished",
		logx.Int("synced", stats.Synced),
		logx.Int("deleted", stats.Deleted),
		logx.Int("failed", stats.Failed))
	s.publishData(eventbus.TypeReconcileDone, stats)
	return stats, nil
}

func (s *Service) publish(typ string, ruleID int64, scheduleID, errText string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: SyncEvent{RuleID: ruleID, ScheduleID: scheduleID, Error: errText}})
}

func (s *Service) publishData(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// SyncEvent is emitted on the event bus for per-rule sync outcomes.
type SyncEvent struct {
	RuleID     int64  `json:"rule_id"`
	ScheduleID string `json:"schedule_id,omitempty"`
	Error      string `json:"error,omitempty"`
}
