package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ruleflow/internal/store"
	logx "ruleflow/pkg/logx"
)

// Starter launches workflow executions for fired schedules.
// Implemented by the workflow runtime.
type Starter interface {
	StartWorkflow(ctx context.Context, workflowType, taskQueue string, args json.RawMessage) (string, error)
}

// Engine is the in-process durable scheduling service. Specs are persisted
// in sqlite and reloaded on Start, so restarts keep every schedule. Paused
// schedules keep their row but hold no live cron entries.
//
// Engine implements Client.
type Engine struct {
	mu sync.Mutex

	log       logx.Logger
	db        *store.Store
	starter   Starter
	namespace string

	parser  cron.Parser
	c       *cron.Cron
	entries map[string][]cron.EntryID
	specs   map[string]Spec

	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewEngine(namespace string, db *store.Store, starter Starter, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:       log,
		db:        db,
		starter:   starter,
		namespace: namespace,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string][]cron.EntryID{},
		specs:   map[string]Spec{},
	}
}

// Start loads persisted schedules and begins triggering.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return nil
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.c = cron.New(cron.WithParser(e.parser))

	rows, err := e.db.ListSchedules(ctx, e.namespace)
	if err != nil {
		e.c = nil
		return fmt.Errorf("schedule engine: load: %w", err)
	}
	loaded := 0
	for _, row := range rows {
		var spec Spec
		if err := json.Unmarshal(row.SpecJSON, &spec); err != nil {
			e.log.Warn("skipping undecodable schedule row", logx.String("schedule_id", row.ScheduleID), logx.Err(err))
			continue
		}
		e.specs[spec.ScheduleID] = spec
		if !spec.State.Paused {
			if err := e.registerLocked(spec); err != nil {
				e.log.Warn("skipping unschedulable spec", logx.String("schedule_id", spec.ScheduleID), logx.Err(err))
				continue
			}
		}
		loaded++
	}

	e.c.Start()
	e.log.Info("schedule engine started", logx.String("namespace", e.namespace), logx.Int("schedules", loaded))
	return nil
}

// Stop halts triggering. In-flight workflow starts are not aborted.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.c
	cancel := e.runCancel
	e.c = nil
	e.runCancel = nil
	e.entries = map[string][]cron.EntryID{}
	e.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	e.log.Info("schedule engine stopped", logx.String("namespace", e.namespace))
}

// validate parses every cron expression in the spec, surfacing the first
// parse failure.
func (e *Engine) validate(spec Spec) error {
	if strings.TrimSpace(spec.ScheduleID) == "" {
		return errors.New("schedule id is empty")
	}
	if len(spec.CronExpressions) == 0 {
		return errors.New("no cron expressions")
	}
	for _, expr := range spec.CronExpressions {
		if _, err := e.parser.Parse(e.withTZ(spec.Timezone, expr)); err != nil {
			return fmt.Errorf("cron %q: %w", expr, err)
		}
	}
	return nil
}

func (e *Engine) withTZ(tz, expr string) string {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

func (e *Engine) registerLocked(spec Spec) error {
	ids := make([]cron.EntryID, 0, len(spec.CronExpressions))
	for _, expr := range spec.CronExpressions {
		sid := spec.ScheduleID
		id, err := e.c.AddFunc(e.withTZ(spec.Timezone, expr), func() { e.fire(sid, false) })
		if err != nil {
			for _, added := range ids {
				e.c.Remove(added)
			}
			return err
		}
		ids = append(ids, id)
	}
	e.entries[spec.ScheduleID] = ids
	return nil
}

func (e *Engine) unregisterLocked(scheduleID string) {
	for _, id := range e.entries[scheduleID] {
		e.c.Remove(id)
	}
	delete(e.entries, scheduleID)
}

// fire starts the schedule's workflow. Cron-driven fires respect the paused
// state; manual fires (Trigger, Backfill) are an explicit operator action and
// run regardless of it.
func (e *Engine) fire(scheduleID string, manual bool) {
	e.mu.Lock()
	spec, ok := e.specs[scheduleID]
	ctx := e.runCtx
	e.mu.Unlock()
	if !ok || ctx == nil {
		return
	}
	if spec.State.Paused && !manual {
		return
	}

	runID, err := e.starter.StartWorkflow(ctx, spec.Action.WorkflowType, spec.Action.TaskQueue, spec.Action.Args)
	if err != nil {
		e.log.Warn("schedule fire failed",
			logx.String("schedule_id", scheduleID),
			logx.String("workflow_type", spec.Action.WorkflowType),
			logx.Err(err))
		return
	}
	e.log.Debug("schedule fired",
		logx.String("schedule_id", scheduleID),
		logx.String("workflow_type", spec.Action.WorkflowType),
		logx.String("run_id", runID))
}

func (e *Engine) persistLocked(ctx context.Context, spec Spec) error {
	b, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return e.db.PutSchedule(ctx, store.ScheduleRow{
		ScheduleID: spec.ScheduleID,
		Namespace:  e.namespace,
		SpecJSON:   b,
		Paused:     spec.State.Paused,
	})
}

// ---- Client ----

func (e *Engine) Create(ctx context.Context, spec Spec) (Handle, error) {
	const op = "create"
	if err := e.validate(spec); err != nil {
		return nil, newError(KindOther, op, spec.ScheduleID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return nil, newError(KindUnavailable, op, spec.ScheduleID, errors.New("engine not started"))
	}
	if _, exists := e.specs[spec.ScheduleID]; exists {
		return nil, newError(KindAlreadyExists, op, spec.ScheduleID, nil)
	}
	if err := e.persistLocked(ctx, spec); err != nil {
		return nil, newError(KindUnavailable, op, spec.ScheduleID, err)
	}
	e.specs[spec.ScheduleID] = spec
	if !spec.State.Paused {
		if err := e.registerLocked(spec); err != nil {
			delete(e.specs, spec.ScheduleID)
			_ = e.db.DeleteSchedule(ctx, spec.ScheduleID)
			return nil, newError(KindOther, op, spec.ScheduleID, err)
		}
	}
	return &engineHandle{e: e, id: spec.ScheduleID}, nil
}

func (e *Engine) GetHandle(scheduleID string) Handle {
	return &engineHandle{e: e, id: scheduleID}
}

func (e *Engine) List(ctx context.Context) ([]ListEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ListEntry, 0, len(e.specs))
	for id := range e.specs {
		out = append(out, ListEntry{ScheduleID: id})
	}
	return out, nil
}

func (e *Engine) DescribeNamespace(ctx context.Context, name string) (NamespaceInfo, error) {
	row, err := e.db.GetNamespace(ctx, name)
	if errors.Is(err, store.ErrNamespaceNotFound) {
		return NamespaceInfo{}, newError(KindNotFound, "describe_namespace", name, err)
	}
	if err != nil {
		return NamespaceInfo{}, newError(KindUnavailable, "describe_namespace", name, err)
	}
	return NamespaceInfo{
		Name:        row.Name,
		Retention:   time.Duration(row.RetentionSec) * time.Second,
		Description: row.Description,
		IsGlobal:    row.IsGlobal,
	}, nil
}

func (e *Engine) RegisterNamespace(ctx context.Context, info NamespaceInfo) error {
	err := e.db.CreateNamespace(ctx, store.NamespaceRow{
		Name:         info.Name,
		RetentionSec: int64(info.Retention / time.Second),
		Description:  info.Description,
		IsGlobal:     info.IsGlobal,
	})
	if errors.Is(err, store.ErrNamespaceExists) {
		return newError(KindAlreadyExists, "register_namespace", info.Name, err)
	}
	if err != nil {
		return newError(KindUnavailable, "register_namespace", info.Name, err)
	}
	return nil
}

// ---- Handle ----

type engineHandle struct {
	e  *Engine
	id string
}

func (h *engineHandle) ID() string { return h.id }

func (h *engineHandle) Update(ctx context.Context, spec Spec) error {
	const op = "update"
	e := h.e
	spec.ScheduleID = h.id
	if err := e.validate(spec); err != nil {
		return newError(KindOther, op, h.id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return newError(KindUnavailable, op, h.id, errors.New("engine not started"))
	}
	old, exists := e.specs[h.id]
	if !exists {
		return newError(KindNotFound, op, h.id, nil)
	}
	if err := e.persistLocked(ctx, spec); err != nil {
		return newError(KindUnavailable, op, h.id, err)
	}
	e.unregisterLocked(h.id)
	e.specs[h.id] = spec
	if !spec.State.Paused {
		if err := e.registerLocked(spec); err != nil {
			// Restore the previous registration so a bad update can't silently
			// stop an existing schedule.
			e.specs[h.id] = old
			if !old.State.Paused {
				_ = e.registerLocked(old)
			}
			return newError(KindOther, op, h.id, err)
		}
	}
	return nil
}

func (h *engineHandle) Describe(ctx context.Context) (Spec, error) {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, exists := e.specs[h.id]
	if !exists {
		return Spec{}, newError(KindNotFound, "describe", h.id, nil)
	}
	return spec, nil
}

func (h *engineHandle) Delete(ctx context.Context) error {
	const op = "delete"
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.specs[h.id]; !exists {
		return newError(KindNotFound, op, h.id, nil)
	}
	if err := e.db.DeleteSchedule(ctx, h.id); err != nil && !errors.Is(err, store.ErrScheduleNotFound) {
		return newError(KindUnavailable, op, h.id, err)
	}
	if e.c != nil {
		e.unregisterLocked(h.id)
	}
	delete(e.specs, h.id)
	return nil
}

func (h *engineHandle) Pause(ctx context.Context, note string) error {
	return h.setPaused(ctx, "pause", true, note)
}

func (h *engineHandle) Unpause(ctx context.Context, note string) error {
	return h.setPaused(ctx, "unpause", false, note)
}

func (h *engineHandle) setPaused(ctx context.Context, op string, paused bool, note string) error {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, exists := e.specs[h.id]
	if !exists {
		return newError(KindNotFound, op, h.id, nil)
	}
	if spec.State.Paused == paused {
		return nil
	}
	spec.State.Paused = paused
	spec.State.Note = note
	if err := e.persistLocked(ctx, spec); err != nil {
		return newError(KindUnavailable, op, h.id, err)
	}
	e.specs[h.id] = spec
	if e.c != nil {
		if paused {
			e.unregisterLocked(h.id)
		} else if err := e.registerLocked(spec); err != nil {
			return newError(KindOther, op, h.id, err)
		}
	}
	return nil
}

func (h *engineHandle) Trigger(ctx context.Context) error {
	e := h.e
	e.mu.Lock()
	_, exists := e.specs[h.id]
	e.mu.Unlock()
	if !exists {
		return newError(KindNotFound, "trigger", h.id, nil)
	}
	e.fire(h.id, true)
	return nil
}

// Backfill fires the schedule once per cron occurrence in [start, end].
// Occurrences are capped to keep a mistyped range from flooding the runtime.
func (h *engineHandle) Backfill(ctx context.Context, start, end time.Time) error {
	const op = "backfill"
	const maxOccurrences = 1000

	e := h.e
	e.mu.Lock()
	spec, exists := e.specs[h.id]
	e.mu.Unlock()
	if !exists {
		return newError(KindNotFound, op, h.id, nil)
	}
	if end.Before(start) {
		return newError(KindOther, op, h.id, errors.New("end before start"))
	}

	fired := 0
	for _, expr := range spec.CronExpressions {
		sched, err := e.parser.Parse(e.withTZ(spec.Timezone, expr))
		if err != nil {
			return newError(KindOther, op, h.id, err)
		}
		for t := sched.Next(start.Add(-time.Second)); !t.After(end); t = sched.Next(t) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.fire(h.id, true)
			fired++
			if fired >= maxOccurrences {
				e.log.Warn("backfill truncated", logx.String("schedule_id", h.id), logx.Int("fired", fired))
				return nil
			}
		}
	}
	e.log.Info("backfill completed", logx.String("schedule_id", h.id), logx.Int("fired", fired))
	return nil
}
