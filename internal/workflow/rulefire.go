package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ruleflow/internal/store"
	logx "ruleflow/pkg/logx"
)

// RuleFireActivities is the I/O boundary of the rule-fire workflow.
type RuleFireActivities interface {
	// FetchRule loads the current rule snapshot; the schedule memo may be
	// stale, so the payload always comes from the store at fire time.
	FetchRule(ctx context.Context, id int64) (store.Rule, error)
	CreateNotification(ctx context.Context, n store.Notification) (string, error)
}

// RuleFireStore implements RuleFireActivities over the sqlite store.
type RuleFireStore struct {
	Store *store.Store
}

func (a *RuleFireStore) FetchRule(ctx context.Context, id int64) (store.Rule, error) {
	return a.Store.GetRule(ctx, id)
}

func (a *RuleFireStore) CreateNotification(ctx context.Context, n store.Notification) (string, error) {
	return a.Store.CreateNotification(ctx, n)
}

// RuleFire is the workflow body behind TypeRuleScheduled: fetch the rule,
// materialize a pending notification, done. The execution loop picks the
// notification up from there.
type RuleFire struct {
	log  logx.Logger
	acts RuleFireActivities
	exec *Executor
}

func NewRuleFire(acts RuleFireActivities, exec *Executor, log logx.Logger) *RuleFire {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RuleFire{log: log, acts: acts, exec: exec}
}

// Func adapts the workflow to the runtime's registry signature. Schedule
// actions carry their arguments as a one-element array.
func (w *RuleFire) Func() Func {
	return func(ctx context.Context, args json.RawMessage) error {
		var inputs []RuleFireInput
		if err := json.Unmarshal(args, &inputs); err != nil {
			return fmt.Errorf("decode rule fire args: %w", err)
		}
		if len(inputs) == 0 {
			return errors.New("rule fire args empty")
		}
		return w.Run(ctx, inputs[0])
	}
}

// Run executes a single fire. A missing rule is terminal: the rule was
// deleted after its schedule fired, and retrying cannot bring it back.
func (w *RuleFire) Run(ctx context.Context, in RuleFireInput) error {
	var rule store.Rule
	err := w.exec.Do(ctx, "fetch_rule", func(ctx context.Context) error {
		var err error
		rule, err = w.acts.FetchRule(ctx, in.RuleID)
		if errors.Is(err, store.ErrRuleNotFound) {
			return Terminal(fmt.Errorf("Failed to fetch rule %d", in.RuleID))
		}
		return err
	})
	if err != nil {
		return err
	}

	n := store.Notification{
		RuleID:       rule.ID,
		EnterpriseID: rule.EnterpriseID,
		Subject:      rule.Name,
		Body:         string(rule.Payload),
		Status:       store.StatusPending,
	}
	var id string
	err = w.exec.Do(ctx, "create_notification", func(ctx context.Context) error {
		var err error
		id, err = w.acts.CreateNotification(ctx, n)
		return err
	})
	if err != nil {
		return err
	}

	w.log.Info("rule fired",
		logx.Int64("rule_id", rule.ID),
		logx.String("notification_id", id))
	return nil
}
