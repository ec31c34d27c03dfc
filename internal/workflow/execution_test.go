package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ruleflow/internal/store"
	logx "ruleflow/pkg/logx"
)

// fakeLoopActs is an in-memory LoopActivities that signals each poll cycle
// on cycleCh so tests can wait for cycles instead of sleeping.
type fakeLoopActs struct {
	mu          sync.Mutex
	stamps      int
	pendingOnce []store.Notification
	dispatchErr error
	transitions map[string][]string
	failTexts   map[string]string
	watermark   *time.Time
	resets      int
	lastLimit   int

	cycleCh chan struct{}
}

func newFakeLoopActs() *fakeLoopActs {
	return &fakeLoopActs{
		transitions: map[string][]string{},
		failTexts:   map[string]string{},
		cycleCh:     make(chan struct{}, 100),
	}
}

func (a *fakeLoopActs) StampPoll(context.Context) (time.Time, error) {
	a.mu.Lock()
	a.stamps++
	a.mu.Unlock()
	select {
	case a.cycleCh <- struct{}{}:
	default:
	}
	return time.Now(), nil
}

func (a *fakeLoopActs) ReadPollTimestamp(context.Context) (time.Time, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watermark == nil {
		return time.Time{}, false, nil
	}
	return *a.watermark, true, nil
}

func (a *fakeLoopActs) ResetPollTimestamp(_ context.Context, t *time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
	a.watermark = t
	return nil
}

func (a *fakeLoopActs) PollPending(_ context.Context, limit int) ([]store.Notification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastLimit = limit
	out := a.pendingOnce
	a.pendingOnce = nil
	return out, nil
}

func (a *fakeLoopActs) PollFailed(context.Context, int, int) ([]store.Notification, error) {
	return nil, nil
}

func (a *fakeLoopActs) PollScheduledDue(context.Context, int) ([]store.Notification, error) {
	return nil, nil
}

func (a *fakeLoopActs) MarkProcessing(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions[id] = append(a.transitions[id], store.StatusProcessing)
	return nil
}

func (a *fakeLoopActs) Dispatch(context.Context, store.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dispatchErr
}

func (a *fakeLoopActs) MarkSent(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions[id] = append(a.transitions[id], store.StatusSent)
	return nil
}

func (a *fakeLoopActs) MarkFailed(_ context.Context, id string, errText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions[id] = append(a.transitions[id], store.StatusFailed)
	a.failTexts[id] = errText
	return nil
}

func (a *fakeLoopActs) stampCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stamps
}

func noRetryExecutor() *Executor {
	return NewExecutor(RetryPolicy{InitialInterval: time.Millisecond, MaxAttempts: 1}, logx.Nop())
}

func startLoop(t *testing.T, acts *fakeLoopActs, cfg LoopConfig) (*ExecutionLoop, context.CancelFunc) {
	t.Helper()
	loop := NewExecutionLoop(cfg, acts, noRetryExecutor(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("loop did not stop")
		}
	})
	return loop, cancel
}

func waitCycle(t *testing.T, acts *fakeLoopActs) {
	t.Helper()
	select {
	case <-acts.cycleCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("no poll cycle within deadline")
	}
}

func TestLoopProcessesPendingToSent(t *testing.T) {
	t.Parallel()
	acts := newFakeLoopActs()
	acts.pendingOnce = []store.Notification{{ID: "n1", Status: store.StatusPending}}
	startLoop(t, acts, LoopConfig{PollInterval: 5 * time.Millisecond})

	waitCycle(t, acts)
	waitCycle(t, acts) // first cycle fully done once the second begins

	acts.mu.Lock()
	got := acts.transitions["n1"]
	acts.mu.Unlock()
	want := []string{store.StatusProcessing, store.StatusSent}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestLoopMarksFailedWithErrorText(t *testing.T) {
	t.Parallel()
	acts := newFakeLoopActs()
	acts.pendingOnce = []store.Notification{{ID: "n2", Status: store.StatusPending}}
	acts.dispatchErr = errors.New("smtp unreachable")
	startLoop(t, acts, LoopConfig{PollInterval: 5 * time.Millisecond})

	waitCycle(t, acts)
	waitCycle(t, acts)

	acts.mu.Lock()
	got := acts.transitions["n2"]
	text := acts.failTexts["n2"]
	acts.mu.Unlock()
	if len(got) != 2 || got[0] != store.StatusProcessing || got[1] != store.StatusFailed {
		t.Fatalf("transitions = %v, want [PROCESSING FAILED]", got)
	}
	if text != "smtp unreachable" {
		t.Fatalf("failure text = %q", text)
	}
}

func TestLoopPauseBlocksCyclesUntilResume(t *testing.T) {
	t.Parallel()
	acts := newFakeLoopActs()
	loop, _ := startLoop(t, acts, LoopConfig{PollInterval: 5 * time.Millisecond})

	waitCycle(t, acts)
	loop.Pause()

	// Drain cycles already in flight, then verify the count settles.
	time.Sleep(50 * time.Millisecond)
	paused := acts.stampCount()
	time.Sleep(50 * time.Millisecond)
	if got := acts.stampCount(); got != paused {
		t.Fatalf("cycles kept running while paused: %d -> %d", paused, got)
	}

	loop.Resume()
	waitCycle(t, acts)
}

func TestLoopRestoresWatermarkAndAnswersQuery(t *testing.T) {
	t.Parallel()
	acts := newFakeLoopActs()
	restored := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	acts.watermark = &restored

	loop := NewExecutionLoop(LoopConfig{PollInterval: time.Hour}, acts, noRetryExecutor(), logx.Nop())
	loop.Pause() // buffered signal applied before the first cycle

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		st := loop.PollingState()
		if st.IsInitialized {
			if !st.LastPollTimestamp.Equal(restored) {
				t.Fatalf("restored timestamp = %v, want %v", st.LastPollTimestamp, restored)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("loop never initialized")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if acts.stampCount() != 0 {
		t.Fatalf("paused loop ran %d cycles", acts.stampCount())
	}

	cancel()
	<-done
}

func TestLoopResetTimestampSignal(t *testing.T) {
	t.Parallel()
	acts := newFakeLoopActs()
	loop, _ := startLoop(t, acts, LoopConfig{PollInterval: 5 * time.Millisecond})

	waitCycle(t, acts)
	loop.ResetTimestamp(nil)

	deadline := time.After(2 * time.Second)
	for {
		acts.mu.Lock()
		resets := acts.resets
		acts.mu.Unlock()
		if resets > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reset signal never applied")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLoopUpdateConfigAppliesNextCycle(t *testing.T) {
	t.Parallel()
	acts := newFakeLoopActs()
	loop, _ := startLoop(t, acts, LoopConfig{PollInterval: 5 * time.Millisecond, BatchSize: 50})

	waitCycle(t, acts)
	newSize := 7
	loop.UpdateConfig(LoopConfigPatch{BatchSize: &newSize})

	deadline := time.After(2 * time.Second)
	for {
		acts.mu.Lock()
		limit := acts.lastLimit
		acts.mu.Unlock()
		if limit == newSize {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("batch size never applied; last limit %d", limit)
		default:
			waitCycle(t, acts)
		}
	}
}
