package health

import (
	"context"
	"testing"
	"time"

	"ruleflow/internal/eventbus"
	logx "ruleflow/pkg/logx"
)

func TestServiceAggregatesBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(bus, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	bus.Publish(eventbus.Event{Type: eventbus.TypeRuleSynced})
	bus.Publish(eventbus.Event{Type: eventbus.TypeRuleSynced})
	bus.Publish(eventbus.Event{Type: eventbus.TypeRuleSyncFailed})
	bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowStarted})
	bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowFinished})
	bus.Publish(eventbus.Event{Type: "something.unknown"})

	deadline := time.After(2 * time.Second)
	for {
		snap := s.Snapshot()
		if snap.RulesSynced == 2 && snap.RuleSyncFailures == 1 &&
			snap.WorkflowStarts == 1 && snap.WorkflowFinishes == 1 {
			if snap.LastEventAt.IsZero() {
				t.Fatalf("last event time not recorded")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("counters never settled: %+v", snap)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestServiceStartStopIdempotent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(bus, logx.Nop())
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // no second subscription
	s.Stop(ctx)
	s.Stop(ctx) // no panic on double stop

	// After Stop the aggregator no longer consumes; publish must not block.
	bus.Publish(eventbus.Event{Type: eventbus.TypePollCycleDone})
}
