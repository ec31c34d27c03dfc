// Package poller drives incremental rule-to-schedule sync off a monotonic
// updated-at cursor, with an on-demand full reconciliation escape hatch.
package poller

import (
	"context"
	"sync"
	"time"

	"ruleflow/internal/eventbus"
	"ruleflow/internal/schedule"
	"ruleflow/internal/store"
	"ruleflow/internal/syncer"
	logx "ruleflow/pkg/logx"
)

// coldStartLookback bounds the first cycle when the store has no rules yet.
const coldStartLookback = 24 * time.Hour

// RuleSource is the incremental read surface of the rule store.
type RuleSource interface {
	GetRulesUpdatedAfter(ctx context.Context, since time.Time, limit int, enterpriseID *string) ([]store.Rule, error)
	GetLastRuleUpdateTime(ctx context.Context, enterpriseID *string) (time.Time, bool, error)
}

// Syncer is the sync service surface the loop drives.
type Syncer interface {
	SyncRule(ctx context.Context, rule store.Rule) (schedule.Handle, error)
	SyncAll(ctx context.Context, enterpriseID *string) (syncer.SyncStats, error)
	Reconcile(ctx context.Context, enterpriseID *string) (syncer.ReconcileStats, error)
}

type Config struct {
	// PollInterval between cycles. <=0 means 30s.
	PollInterval time.Duration
	// InitialDelay precedes the first cycle. Zero is honored (deterministic
	// tests); the config layer supplies a non-zero default for production.
	InitialDelay time.Duration
	// BatchSize caps rules fetched per cycle. <=0 means 100.
	BatchSize int
	// EnterpriseID optionally scopes this loop to one enterprise.
	EnterpriseID *string
}

// Loop is the rule polling loop. Exactly one instance runs per process; the
// cursor is owned by the loop goroutine and PollOnce callers, guarded by mu.
type Loop struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	cfg   Config
	rules RuleSource
	sync  Syncer

	cursor     time.Time
	cursorInit bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// CycleEvent is emitted on the event bus after each poll cycle.
type CycleEvent struct {
	Fetched int       `json:"fetched"`
	Synced  int       `json:"synced"`
	Failed  int       `json:"failed"`
	Cursor  time.Time `json:"cursor"`
}

func New(cfg Config, rules RuleSource, sync Syncer, log logx.Logger, bus eventbus.Bus) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{log: log, bus: bus, cfg: cfg, rules: rules, sync: sync}
}

// Start brings the loop to RUNNING. It is an idempotent no-op when already
// running. A best-effort full sync runs first so a restart converges before
// incremental polling takes over; its failure is logged, not fatal.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.stopCh != nil {
		l.mu.Unlock()
		l.log.Info("polling loop already running")
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	l.stopCh = stopCh
	l.doneCh = doneCh
	l.mu.Unlock()

	if _, err := l.sync.SyncAll(ctx, l.cfg.EnterpriseID); err != nil {
		l.log.Warn("startup full sync failed; continuing with incremental polling", logx.Err(err))
	}

	l.mu.Lock()
	l.cursor = time.Now()
	l.cursorInit = true
	l.mu.Unlock()

	go l.run(ctx, stopCh, doneCh)
	l.log.Info("polling loop started",
		logx.Duration("interval", l.cfg.PollInterval),
		logx.Int("batch_size", l.cfg.BatchSize))
}

func (l *Loop) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	if l.cfg.InitialDelay > 0 {
		t := time.NewTimer(l.cfg.InitialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}

	// A ticker cannot overlap cycles: ticks that fire while a cycle is still
	// executing are dropped, not queued.
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := l.PollOnce(ctx); err != nil {
				l.log.Warn("poll cycle failed", logx.Err(err))
			}
		}
	}
}

// PollOnce runs a single incremental cycle: derive the cursor if this is a
// cold start, fetch the next batch, fan the syncs out concurrently, then
// advance the cursor to the newest updated-at in the batch. The advance
// happens regardless of individual sync failures; a permanently failing rule
// is only re-covered by reconciliation.
func (l *Loop) PollOnce(ctx context.Context) error {
	since, err := l.ensureCursor(ctx)
	if err != nil {
		return err
	}

	rules, err := l.rules.GetRulesUpdatedAfter(ctx, since, l.cfg.BatchSize, l.cfg.EnterpriseID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed int
	)
	for _, rule := range rules {
		wg.Add(1)
		go func(rule store.Rule) {
			defer wg.Done()
			if _, err := l.sync.SyncRule(ctx, rule); err != nil {
				failMu.Lock()
				failed++
				failMu.Unlock()
				l.log.Warn("rule sync failed in poll cycle", logx.Int64("rule_id", rule.ID), logx.Err(err))
			}
		}(rule)
	}
	// Barrier: the cursor only advances once every sync in the batch settled.
	wg.Wait()

	maxUpdated := rules[0].UpdatedAt
	for _, rule := range rules[1:] {
		if rule.UpdatedAt.After(maxUpdated) {
			maxUpdated = rule.UpdatedAt
		}
	}
	l.advanceCursor(maxUpdated)

	l.log.Debug("poll cycle finished",
		logx.Int("fetched", len(rules)),
		logx.Int("failed", failed),
		logx.Time("cursor", maxUpdated))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypePollCycleDone, Data: CycleEvent{
			Fetched: len(rules),
			Synced:  len(rules) - failed,
			Failed:  failed,
			Cursor:  maxUpdated,
		}})
	}
	return nil
}

func (l *Loop) ensureCursor(ctx context.Context) (time.Time, error) {
	l.mu.Lock()
	if l.cursorInit {
		c := l.cursor
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	last, ok, err := l.rules.GetLastRuleUpdateTime(ctx, l.cfg.EnterpriseID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		last = time.Now().Add(-coldStartLookback)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cursorInit {
		l.cursor = last
		l.cursorInit = true
	}
	return l.cursor, nil
}

// advanceCursor moves the cursor forward; it never regresses.
func (l *Loop) advanceCursor(t time.Time) {
	l.mu.Lock()
	if t.After(l.cursor) {
		l.cursor = t
	}
	l.mu.Unlock()
}

// Cursor reports the current watermark.
func (l *Loop) Cursor() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor, l.cursorInit
}

// ForceReconciliation runs a full reconcile pass on demand. Errors are
// logged, never returned: callers fire this to heal drift, not to branch on.
func (l *Loop) ForceReconciliation(ctx context.Context) {
	if _, err := l.sync.Reconcile(ctx, l.cfg.EnterpriseID); err != nil {
		l.log.Warn("forced reconciliation failed", logx.Err(err))
	}
}

// Stop brings the loop to STOPPED. It is idempotent, clears the timer and
// waits for the loop goroutine; in-flight sync calls finish on their own.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.stopCh = nil
	l.doneCh = nil
	l.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
	}
	l.log.Info("polling loop stopped")
}
