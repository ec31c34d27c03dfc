package workflow

import (
	"context"
	"sync"
	"time"

	"ruleflow/internal/store"
	logx "ruleflow/pkg/logx"
)

type loopSignalKind int

const (
	sigPause loopSignalKind = iota
	sigResume
	sigReset
	sigUpdateConfig
)

type loopSignal struct {
	kind    loopSignalKind
	resetTo *time.Time
	patch   LoopConfigPatch
}

// ExecutionLoop is the durably-hosted notification execution workflow: an
// infinite poll/process loop with two states, RUNNING and PAUSED, driven by
// an external signal mailbox.
//
// The loop body performs no direct I/O and reads no clock; everything goes
// through LoopActivities via the retrying Executor, and state transitions
// happen only inside Run's control flow. The interval sleep and the pause
// wait are the only suspension points, both interruptible by cancellation.
type ExecutionLoop struct {
	log  logx.Logger
	acts LoopActivities
	exec *Executor
	cfg  LoopConfig

	signals chan loopSignal

	// mu guards the externally queryable snapshot only; Run's control flow
	// owns the authoritative state.
	mu          sync.Mutex
	lastPoll    time.Time
	initialized bool
}

func NewExecutionLoop(cfg LoopConfig, acts LoopActivities, exec *Executor, log logx.Logger) *ExecutionLoop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecutionLoop{
		log:     log,
		acts:    acts,
		exec:    exec,
		cfg:     cfg.withDefaults(),
		signals: make(chan loopSignal, 16),
	}
}

// ---- Signals ----
//
// Signals are fire-and-forget: they cannot return an error to the sender.
// A full mailbox drops the signal with a warning rather than blocking the
// sender.

func (w *ExecutionLoop) Pause()  { w.signal(loopSignal{kind: sigPause}) }
func (w *ExecutionLoop) Resume() { w.signal(loopSignal{kind: sigResume}) }

// ResetTimestamp rewrites (t != nil) or clears (t == nil) the stored poll
// cursor. The reset is best-effort; failures are logged inside the loop.
func (w *ExecutionLoop) ResetTimestamp(t *time.Time) {
	w.signal(loopSignal{kind: sigReset, resetTo: t})
}

// UpdateConfig merges the patch into the loop config, effective from the
// next cycle.
func (w *ExecutionLoop) UpdateConfig(patch LoopConfigPatch) {
	w.signal(loopSignal{kind: sigUpdateConfig, patch: patch})
}

func (w *ExecutionLoop) signal(s loopSignal) {
	select {
	case w.signals <- s:
	default:
		w.log.Warn("execution loop signal dropped (mailbox full)")
	}
}

// PollingState answers the state query without mutating anything.
func (w *ExecutionLoop) PollingState() PollingState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return PollingState{LastPollTimestamp: w.lastPoll, IsInitialized: w.initialized}
}

func (w *ExecutionLoop) setLastPoll(t time.Time) {
	w.mu.Lock()
	w.lastPoll = t
	w.initialized = true
	w.mu.Unlock()
}

// Run executes the loop until ctx is canceled. Cycle-level errors are logged
// and the loop continues; Run itself only returns on cancellation, so a
// supervisor hosting it restarts only after crashes.
func (w *ExecutionLoop) Run(ctx context.Context) error {
	// Restore the persisted cursor so a restart resumes where it left off.
	var restored time.Time
	var ok bool
	err := w.exec.Do(ctx, "read_poll_timestamp", func(ctx context.Context) error {
		var err error
		restored, ok, err = w.acts.ReadPollTimestamp(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		w.log.Warn("poll timestamp restore failed; starting cold", logx.Err(err))
	}
	w.mu.Lock()
	if ok {
		w.lastPoll = restored
	}
	w.initialized = true
	w.mu.Unlock()

	cfg := w.cfg
	paused := false
	w.log.Info("execution loop started",
		logx.Duration("interval", cfg.PollInterval),
		logx.Int("batch_size", cfg.BatchSize),
		logx.Bool("process_failed", cfg.ProcessFailed))

	for {
		// Drain any signals that arrived since the last suspension point.
		for drained := false; !drained; {
			select {
			case s := <-w.signals:
				cfg, paused = w.apply(ctx, s, cfg, paused)
			default:
				drained = true
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		// PAUSED blocks on the mailbox; a resume unblocks exactly one
		// pending cycle.
		for paused {
			select {
			case <-ctx.Done():
				return nil
			case s := <-w.signals:
				cfg, paused = w.apply(ctx, s, cfg, paused)
			}
		}

		if err := w.runCycle(ctx, cfg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("execution cycle failed", logx.Err(err))
		}

		t := time.NewTimer(cfg.PollInterval)
		for sleeping := true; sleeping; {
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case s := <-w.signals:
				cfg, paused = w.apply(ctx, s, cfg, paused)
				if paused {
					t.Stop()
					sleeping = false
				}
			case <-t.C:
				sleeping = false
			}
		}
	}
}

func (w *ExecutionLoop) apply(ctx context.Context, s loopSignal, cfg LoopConfig, paused bool) (LoopConfig, bool) {
	switch s.kind {
	case sigPause:
		if !paused {
			w.log.Info("execution loop paused")
		}
		return cfg, true
	case sigResume:
		if paused {
			w.log.Info("execution loop resumed")
		}
		return cfg, false
	case sigReset:
		// Best-effort: a signal has no way to report failure to its sender.
		err := w.exec.Do(ctx, "reset_poll_timestamp", func(ctx context.Context) error {
			return w.acts.ResetPollTimestamp(ctx, s.resetTo)
		})
		if err != nil {
			w.log.Warn("poll timestamp reset failed", logx.Err(err))
			return cfg, paused
		}
		w.mu.Lock()
		if s.resetTo != nil {
			w.lastPoll = *s.resetTo
		} else {
			w.lastPoll = time.Time{}
		}
		w.mu.Unlock()
		w.log.Info("poll timestamp reset")
		return cfg, paused
	case sigUpdateConfig:
		cfg = cfg.merge(s.patch)
		w.log.Info("execution loop config updated",
			logx.Duration("interval", cfg.PollInterval),
			logx.Int("batch_size", cfg.BatchSize),
			logx.Bool("process_failed", cfg.ProcessFailed))
		return cfg, paused
	default:
		return cfg, paused
	}
}

func (w *ExecutionLoop) runCycle(ctx context.Context, cfg LoopConfig) error {
	var ts time.Time
	err := w.exec.Do(ctx, "stamp_poll", func(ctx context.Context) error {
		var err error
		ts, err = w.acts.StampPoll(ctx)
		return err
	})
	if err != nil {
		return err
	}
	w.setLastPoll(ts)

	var pending []store.Notification
	err = w.exec.Do(ctx, "poll_pending", func(ctx context.Context) error {
		var err error
		pending, err = w.acts.PollPending(ctx, cfg.BatchSize)
		return err
	})
	if err != nil {
		return err
	}
	for _, n := range pending {
		w.processOne(ctx, n)
	}

	if cfg.ProcessFailed {
		var failed []store.Notification
		err = w.exec.Do(ctx, "poll_failed", func(ctx context.Context) error {
			var err error
			failed, err = w.acts.PollFailed(ctx, cfg.BatchSize, cfg.MaxAttempts)
			return err
		})
		if err != nil {
			return err
		}
		for _, n := range failed {
			w.processOne(ctx, n)
		}
	}

	var due []store.Notification
	err = w.exec.Do(ctx, "poll_scheduled", func(ctx context.Context) error {
		var err error
		due, err = w.acts.PollScheduledDue(ctx, cfg.BatchSize)
		return err
	})
	if err != nil {
		return err
	}
	for _, n := range due {
		w.processOne(ctx, n)
	}

	return nil
}

// processOne drives a single notification through
// PENDING -> PROCESSING -> SENT | FAILED. A failure on one item never aborts
// the rest of the batch.
func (w *ExecutionLoop) processOne(ctx context.Context, n store.Notification) {
	err := w.exec.Do(ctx, "mark_processing", func(ctx context.Context) error {
		return w.acts.MarkProcessing(ctx, n.ID)
	})
	if err != nil {
		w.log.Warn("mark processing failed", logx.String("notification_id", n.ID), logx.Err(err))
		return
	}

	err = w.exec.Do(ctx, "dispatch", func(ctx context.Context) error {
		return w.acts.Dispatch(ctx, n)
	})
	if err != nil {
		w.log.Warn("notification dispatch failed", logx.String("notification_id", n.ID), logx.Err(err))
		if mErr := w.exec.Do(ctx, "mark_failed", func(ctx context.Context) error {
			return w.acts.MarkFailed(ctx, n.ID, err.Error())
		}); mErr != nil {
			w.log.Error("mark failed errored", logx.String("notification_id", n.ID), logx.Err(mErr))
		}
		return
	}

	if err := w.exec.Do(ctx, "mark_sent", func(ctx context.Context) error {
		return w.acts.MarkSent(ctx, n.ID)
	}); err != nil {
		w.log.Error("mark sent errored", logx.String("notification_id", n.ID), logx.Err(err))
	}
}
