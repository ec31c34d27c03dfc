// Package health aggregates event-bus traffic into counters an external
// reporter can poll.
package health

import (
	"context"
	"sync"
	"time"

	"ruleflow/internal/eventbus"
	logx "ruleflow/pkg/logx"
)

// Snapshot is a point-in-time view of the aggregated counters. It is an
// operational signal only, not a synchronization primitive.
type Snapshot struct {
	RulesSynced      uint64    `json:"rules_synced"`
	RuleSyncFailures uint64    `json:"rule_sync_failures"`
	SchedulesDeleted uint64    `json:"schedules_deleted"`
	Reconciles       uint64    `json:"reconciles"`
	PollCycles       uint64    `json:"poll_cycles"`
	WorkflowStarts   uint64    `json:"workflow_starts"`
	WorkflowFailures uint64    `json:"workflow_failures"`
	WorkflowFinishes uint64    `json:"workflow_finishes"`
	LastEventAt      time.Time `json:"last_event_at,omitempty"`
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu   sync.Mutex
	snap Snapshot

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, bus: bus}
}

// Start subscribes to the bus and begins aggregating. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(128)
	go func() {
		defer close(doneCh)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				s.record(e)
			}
		}
	}()
}

func (s *Service) record(e eventbus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastEventAt = e.Time
	switch e.Type {
	case eventbus.TypeRuleSynced:
		s.snap.RulesSynced++
	case eventbus.TypeRuleSyncFailed:
		s.snap.RuleSyncFailures++
	case eventbus.TypeScheduleDeleted:
		s.snap.SchedulesDeleted++
	case eventbus.TypeReconcileDone:
		s.snap.Reconciles++
	case eventbus.TypePollCycleDone:
		s.snap.PollCycles++
	case eventbus.TypeWorkflowStarted:
		s.snap.WorkflowStarts++
	case eventbus.TypeWorkflowFailed:
		s.snap.WorkflowFailures++
	case eventbus.TypeWorkflowFinished:
		s.snap.WorkflowFinishes++
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
	}
}
