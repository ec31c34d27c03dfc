package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"ruleflow/internal/eventbus"
	logx "ruleflow/pkg/logx"
)

var (
	ErrStopped      = errors.New("workflow runtime stopped")
	ErrQueueFull    = errors.New("workflow task queue full")
	ErrUnregistered = errors.New("workflow type not registered")
)

// Func is a registered workflow body. Args is the raw argument payload from
// the start request (for schedule-fired workflows, the action args).
type Func func(ctx context.Context, args json.RawMessage) error

type Config struct {
	Workers   int
	QueueSize int
	TaskQueue string
}

// Runtime hosts single-shot workflow executions: a registry of workflow
// types and a task-queue worker pool that drains start requests. It is the
// Starter the schedule engine fires into.
type Runtime struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	registry map[string]Func

	queue     chan task
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

type task struct {
	runID        string
	workflowType string
	args         json.RawMessage
}

// RunEvent is emitted on the event bus for workflow lifecycle events.
type RunEvent struct {
	RunID        string        `json:"run_id"`
	WorkflowType string        `json:"workflow_type"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func NewRuntime(cfg Config, log logx.Logger, bus eventbus.Bus) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = DefaultTaskQueue
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runtime{log: log, bus: bus, cfg: cfg, registry: map[string]Func{}}
}

// Register binds a workflow type name to its body. Register before Start.
func (r *Runtime) Register(workflowType string, fn Func) {
	r.mu.Lock()
	r.registry[workflowType] = fn
	r.mu.Unlock()
}

func (r *Runtime) TaskQueue() string { return r.cfg.TaskQueue }

func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	// Fresh queue per run to avoid executing stale starts after a stop/start toggle.
	r.queue = make(chan task, r.cfg.QueueSize)
	runCtx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel

	stopCh := r.stopCh
	queue := r.queue
	workers := r.cfg.Workers
	r.mu.Unlock()

	r.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer r.workerWG.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in workflow worker", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
				}
			}()
			r.worker(runCtx, stopCh, queue)
		}()
	}
	r.log.Info("workflow runtime started", logx.Int("workers", workers), logx.String("task_queue", r.cfg.TaskQueue))
}

func (r *Runtime) Stop(ctx context.Context) {
	start := time.Now()
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopDone = done
	stopCh := r.stopCh
	cancel := r.runCancel
	r.runCancel = nil
	r.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		r.workerWG.Wait()
		r.mu.Lock()
		r.stopCh = nil
		r.queue = nil
		r.stopDone = nil
		r.mu.Unlock()
		close(done)
		r.log.Info("workflow runtime stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// StartWorkflow enqueues a workflow execution and returns its run id.
// It is non-blocking: a full queue drops the start and returns ErrQueueFull.
func (r *Runtime) StartWorkflow(ctx context.Context, workflowType, taskQueue string, args json.RawMessage) (string, error) {
	r.mu.Lock()
	q := r.queue
	_, registered := r.registry[workflowType]
	r.mu.Unlock()

	if q == nil {
		return "", ErrStopped
	}
	if !registered {
		return "", fmt.Errorf("%w: %s", ErrUnregistered, workflowType)
	}
	if taskQueue != "" && taskQueue != r.cfg.TaskQueue {
		return "", fmt.Errorf("no worker on task queue %q", taskQueue)
	}

	t := task{runID: uuid.NewString(), workflowType: workflowType, args: args}
	select {
	case q <- t:
	default:
		r.log.Warn("workflow queue full; dropping start", logx.String("workflow_type", workflowType))
		return "", ErrQueueFull
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowStarted, Data: RunEvent{RunID: t.runID, WorkflowType: workflowType}})
	}
	return t.runID, nil
}

func (r *Runtime) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			r.execOne(ctx, t)
		}
	}
}

func (r *Runtime) execOne(ctx context.Context, t task) {
	r.mu.Lock()
	fn := r.registry[t.workflowType]
	r.mu.Unlock()
	if fn == nil {
		return
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				r.log.Error("panic in workflow", logx.String("workflow_type", t.workflowType), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()
		return fn(ctx, t.args)
	}()

	dur := time.Since(start)
	if err != nil {
		r.log.Warn("workflow failed",
			logx.String("workflow_type", t.workflowType),
			logx.String("run_id", t.runID),
			logx.Duration("dur", dur),
			logx.Err(err))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowFailed, Data: RunEvent{RunID: t.runID, WorkflowType: t.workflowType, Duration: dur, Error: err.Error()}})
		}
		return
	}
	r.log.Debug("workflow finished",
		logx.String("workflow_type", t.workflowType),
		logx.String("run_id", t.runID),
		logx.Duration("dur", dur))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowFinished, Data: RunEvent{RunID: t.runID, WorkflowType: t.workflowType, Duration: dur}})
	}
}
