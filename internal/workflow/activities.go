package workflow

import (
	"context"
	"time"

	"ruleflow/internal/store"
	logx "ruleflow/pkg/logx"
)

// Dispatcher hands a notification to the delivery framework. Delivery
// (rendering, channel formatting) is an external collaborator; ruleflow only
// drives the status transitions around it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n store.Notification) error
}

// LogDispatcher is the default no-op delivery sink.
type LogDispatcher struct {
	Log logx.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, n store.Notification) error {
	d.Log.Info("notification dispatched",
		logx.String("notification_id", n.ID),
		logx.Int64("rule_id", n.RuleID),
		logx.String("subject", n.Subject))
	return nil
}

// LoopActivities is the I/O boundary of the execution loop. Every method is
// invoked through the Executor's retry policy; the loop body itself never
// touches the store or the clock.
type LoopActivities interface {
	// StampPoll persists and returns the current poll timestamp. Time comes
	// from the activity side so the loop body stays deterministic.
	StampPoll(ctx context.Context) (time.Time, error)
	ReadPollTimestamp(ctx context.Context) (time.Time, bool, error)
	ResetPollTimestamp(ctx context.Context, t *time.Time) error

	PollPending(ctx context.Context, limit int) ([]store.Notification, error)
	PollFailed(ctx context.Context, limit, maxAttempts int) ([]store.Notification, error)
	PollScheduledDue(ctx context.Context, limit int) ([]store.Notification, error)

	MarkProcessing(ctx context.Context, id string) error
	Dispatch(ctx context.Context, n store.Notification) error
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errText string) error
}

// StoreActivities implements LoopActivities over the sqlite store plus a
// Dispatcher.
type StoreActivities struct {
	Store      *store.Store
	Dispatcher Dispatcher
}

func (a *StoreActivities) StampPoll(ctx context.Context) (time.Time, error) {
	now := time.Now()
	if err := a.Store.SetWatermark(ctx, store.WatermarkExecutionLoop, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (a *StoreActivities) ReadPollTimestamp(ctx context.Context) (time.Time, bool, error) {
	return a.Store.GetWatermark(ctx, store.WatermarkExecutionLoop)
}

func (a *StoreActivities) ResetPollTimestamp(ctx context.Context, t *time.Time) error {
	return a.Store.ResetWatermark(ctx, store.WatermarkExecutionLoop, t)
}

func (a *StoreActivities) PollPending(ctx context.Context, limit int) ([]store.Notification, error) {
	return a.Store.PollPending(ctx, limit)
}

func (a *StoreActivities) PollFailed(ctx context.Context, limit, maxAttempts int) ([]store.Notification, error) {
	return a.Store.PollFailed(ctx, limit, maxAttempts)
}

func (a *StoreActivities) PollScheduledDue(ctx context.Context, limit int) ([]store.Notification, error) {
	return a.Store.PollScheduled(ctx, limit, time.Now())
}

func (a *StoreActivities) MarkProcessing(ctx context.Context, id string) error {
	return a.Store.MarkProcessing(ctx, id)
}

func (a *StoreActivities) Dispatch(ctx context.Context, n store.Notification) error {
	return a.Dispatcher.Dispatch(ctx, n)
}

func (a *StoreActivities) MarkSent(ctx context.Context, id string) error {
	return a.Store.MarkSent(ctx, id)
}

func (a *StoreActivities) MarkFailed(ctx context.Context, id string, errText string) error {
	return a.Store.MarkFailed(ctx, id, errText)
}
