package schedule

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ruleflow/internal/store"
	logx "ruleflow/pkg/logx"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeStarter) StartWorkflow(_ context.Context, workflowType, _ string, _ json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, workflowType)
	return "run-1", nil
}

func (s *fakeStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testEngine(t *testing.T) (*Engine, *fakeStarter, *store.Store) {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "ruleflow.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	starter := &fakeStarter{}
	e := NewEngine("test-ns", db, starter, logx.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e, starter, db
}

func testSpec(id string) Spec {
	return Spec{
		ScheduleID:      id,
		CronExpressions: []string{"0 9 * * *"},
		Timezone:        "UTC",
		Action: StartWorkflowAction{
			WorkflowType: "ruleScheduledWorkflow",
			TaskQueue:    "ruleflow-tasks",
			Args:         json.RawMessage(`[{"ruleId":1}]`),
		},
		Memo: Memo{RuleID: 1},
	}
}

func TestEngineCreateRejectsDuplicate(t *testing.T) {
	t.Parallel()
	e, _, _ := testEngine(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, testSpec("rule-1-null")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := e.Create(ctx, testSpec("rule-1-null"))
	if !IsAlreadyExists(err) {
		t.Fatalf("duplicate create err = %v, want AlreadyExists", err)
	}
}

func TestEngineCreateRejectsBadCron(t *testing.T) {
	t.Parallel()
	e, _, _ := testEngine(t)

	spec := testSpec("rule-2-null")
	spec.CronExpressions = []string{"not a cron"}
	if _, err := e.Create(context.Background(), spec); err == nil {
		t.Fatalf("expected parse error for bad cron")
	}
}

func TestEngineUpdateMissingIsNotFound(t *testing.T) {
	t.Parallel()
	e, _, _ := testEngine(t)

	err := e.GetHandle("rule-404-null").Update(context.Background(), testSpec("rule-404-null"))
	if !IsNotFound(err) {
		t.Fatalf("update missing err = %v, want NotFound", err)
	}
}

func TestEngineUpdateKeepsOldSpecOnBadInput(t *testing.T) {
	t.Parallel()
	e, _, _ := testEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, testSpec("rule-3-null"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bad := testSpec("rule-3-null")
	bad.CronExpressions = []string{"@garbage"}
	if err := h.Update(ctx, bad); err == nil {
		t.Fatalf("expected update to fail")
	}
	got, err := h.Describe(ctx)
	if err != nil {
		t.Fatalf("describe after failed update: %v", err)
	}
	if got.CronExpressions[0] != "0 9 * * *" {
		t.Fatalf("spec mutated by failed update: %+v", got)
	}
}

func TestEngineManualTriggerOverridesPause(t *testing.T) {
	t.Parallel()
	e, starter, _ := testEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, testSpec("rule-4-null"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Pause(ctx, "maintenance"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Pause stops the cron cadence, not an explicit operator trigger.
	if err := h.Trigger(ctx); err != nil {
		t.Fatalf("trigger while paused: %v", err)
	}
	if n := starter.count(); n != 1 {
		t.Fatalf("manual trigger on paused schedule fired %d times, want 1", n)
	}

	if err := h.Unpause(ctx, ""); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := h.Trigger(ctx); err != nil {
		t.Fatalf("trigger after unpause: %v", err)
	}
	if n := starter.count(); n != 2 {
		t.Fatalf("fired %d times after second trigger, want 2", n)
	}
}

func TestEngineDeleteThenDescribeNotFound(t *testing.T) {
	t.Parallel()
	e, _, _ := testEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, testSpec("rule-5-null"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.Describe(ctx); !IsNotFound(err) {
		t.Fatalf("describe after delete err = %v, want NotFound", err)
	}
	if err := h.Delete(ctx); !IsNotFound(err) {
		t.Fatalf("second delete err = %v, want NotFound", err)
	}
}

func TestEngineReloadsPersistedSchedules(t *testing.T) {
	t.Parallel()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "ruleflow.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	starter := &fakeStarter{}
	e1 := NewEngine("ns", db, starter, logx.Nop())
	if err := e1.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e1.Create(ctx, testSpec("rule-6-null")); err != nil {
		t.Fatalf("create: %v", err)
	}
	e1.Stop(ctx)

	e2 := NewEngine("ns", db, starter, logx.Nop())
	if err := e2.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer e2.Stop(ctx)

	spec, err := e2.GetHandle("rule-6-null").Describe(ctx)
	if err != nil {
		t.Fatalf("describe after restart: %v", err)
	}
	if spec.Action.WorkflowType != "ruleScheduledWorkflow" {
		t.Fatalf("unexpected reloaded spec: %+v", spec)
	}
}

func TestEngineBackfillFiresPerOccurrence(t *testing.T) {
	t.Parallel()
	e, starter, _ := testEngine(t)
	ctx := context.Background()

	spec := testSpec("rule-7-null")
	spec.CronExpressions = []string{"0 * * * *"} // hourly
	h, err := e.Create(ctx, spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := h.Backfill(ctx, start, end); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n := starter.count(); n != 3 {
		t.Fatalf("backfill fired %d times, want 3 (10:00, 11:00, 12:00)", n)
	}

	if err := h.Backfill(ctx, end, start); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestEngineNamespaceRoundTrip(t *testing.T) {
	t.Parallel()
	e, _, _ := testEngine(t)
	ctx := context.Background()

	if _, err := e.DescribeNamespace(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("describe missing err = %v, want NotFound", err)
	}

	info := NamespaceInfo{Name: "test-e2e", Retention: 24 * time.Hour, Description: "temporary test namespace"}
	if err := e.RegisterNamespace(ctx, info); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := e.DescribeNamespace(ctx, "test-e2e")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if got.Retention != 24*time.Hour || got.Description != info.Description {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := e.RegisterNamespace(ctx, info); !IsAlreadyExists(err) {
		t.Fatalf("duplicate register err = %v, want AlreadyExists", err)
	}
}
