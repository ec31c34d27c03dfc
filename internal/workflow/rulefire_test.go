package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"ruleflow/internal/store"
	logx "ruleflow/pkg/logx"
)

type fakeRuleActs struct {
	mu         sync.Mutex
	rules      map[int64]store.Rule
	fetches    int
	created    []store.Notification
	createErr  error
	fetchFails int // transient failures before success
}

func (a *fakeRuleActs) FetchRule(_ context.Context, id int64) (store.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.fetchFails > 0 {
		a.fetchFails--
		return store.Rule{}, fmt.Errorf("store busy")
	}
	rule, ok := a.rules[id]
	if !ok {
		return store.Rule{}, store.ErrRuleNotFound
	}
	return rule, nil
}

func (a *fakeRuleActs) CreateNotification(_ context.Context, n store.Notification) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return "", a.createErr
	}
	a.created = append(a.created, n)
	return fmt.Sprintf("ntf-%d", len(a.created)), nil
}

func TestRuleFireCreatesPendingNotification(t *testing.T) {
	t.Parallel()
	ent := "acme"
	acts := &fakeRuleActs{rules: map[int64]store.Rule{
		42: {
			ID:           42,
			Name:         "daily digest",
			EnterpriseID: &ent,
			Payload:      json.RawMessage(`{"body":"hello"}`),
		},
	}}
	w := NewRuleFire(acts, noRetryExecutor(), logx.Nop())

	err := w.Run(context.Background(), RuleFireInput{RuleID: 42, EnterpriseID: &ent})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(acts.created) != 1 {
		t.Fatalf("created %d notifications, want 1", len(acts.created))
	}
	n := acts.created[0]
	if n.RuleID != 42 || n.Subject != "daily digest" || n.Status != store.StatusPending {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n.EnterpriseID == nil || *n.EnterpriseID != "acme" {
		t.Fatalf("enterprise not carried: %+v", n)
	}
	if n.Body != `{"body":"hello"}` {
		t.Fatalf("body = %q", n.Body)
	}
}

func TestRuleFireMissingRuleIsTerminal(t *testing.T) {
	t.Parallel()
	acts := &fakeRuleActs{rules: map[int64]store.Rule{}}
	// A multi-attempt policy proves the miss is not retried.
	exec := NewExecutor(RetryPolicy{InitialInterval: 1, MaxAttempts: 3}, logx.Nop())
	w := NewRuleFire(acts, exec, logx.Nop())

	err := w.Run(context.Background(), RuleFireInput{RuleID: 404})
	if err == nil {
		t.Fatalf("expected error for missing rule")
	}
	if got, want := err.Error(), "Failed to fetch rule 404"; got != want {
		t.Fatalf("err = %q, want %q", got, want)
	}
	if acts.fetches != 1 {
		t.Fatalf("missing rule fetched %d times, want 1", acts.fetches)
	}
	if len(acts.created) != 0 {
		t.Fatalf("notification created for missing rule")
	}
}

func TestRuleFireRetriesTransientFetch(t *testing.T) {
	t.Parallel()
	acts := &fakeRuleActs{
		rules:      map[int64]store.Rule{7: {ID: 7, Name: "r7"}},
		fetchFails: 2,
	}
	exec := NewExecutor(fastPolicy, logx.Nop())
	w := NewRuleFire(acts, exec, logx.Nop())

	if err := w.Run(context.Background(), RuleFireInput{RuleID: 7}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if acts.fetches != 3 {
		t.Fatalf("fetches = %d, want 3", acts.fetches)
	}
}

func TestRuleFireFuncDecodesScheduleArgs(t *testing.T) {
	t.Parallel()
	acts := &fakeRuleActs{rules: map[int64]store.Rule{5: {ID: 5, Name: "r5"}}}
	w := NewRuleFire(acts, noRetryExecutor(), logx.Nop())
	fn := w.Func()

	args, _ := json.Marshal([]RuleFireInput{{RuleID: 5}})
	if err := fn(context.Background(), args); err != nil {
		t.Fatalf("fn: %v", err)
	}
	if len(acts.created) != 1 {
		t.Fatalf("created = %d, want 1", len(acts.created))
	}

	if err := fn(context.Background(), json.RawMessage(`[]`)); err == nil {
		t.Fatalf("expected error for empty args")
	}
	if err := fn(context.Background(), json.RawMessage(`{`)); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode error, got %v", err)
	}
}
