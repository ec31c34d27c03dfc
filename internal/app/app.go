// Package app wires the components into a running process: storage, the
// schedule engine, the sync service, the polling loop and the workflow
// runtime hosting the execution loop.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ruleflow/internal/config"
	"ruleflow/internal/eventbus"
	"ruleflow/internal/health"
	"ruleflow/internal/poller"
	"ruleflow/internal/runtime/supervisor"
	"ruleflow/internal/schedule"
	"ruleflow/internal/store"
	"ruleflow/internal/syncer"
	"ruleflow/internal/workflow"
	logx "ruleflow/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db      *store.Store
	runtime *workflow.Runtime
	engine  *schedule.Engine
	sync    *syncer.Service
	poll    *poller.Loop
	loop    *workflow.ExecutionLoop
	health  *health.Service

	namespace   string
	pollEnabled bool
	loopEnabled bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	rt := workflow.NewRuntime(workflow.Config{
		Workers:   cfg.Workflow.Workers,
		QueueSize: cfg.Workflow.QueueSize,
		TaskQueue: cfg.Workflow.TaskQueue,
	}, log.With(logx.String("comp", "workflow")), bus)

	exec := workflow.NewExecutor(workflow.DefaultRetryPolicy, log.With(logx.String("comp", "activity")))
	fire := workflow.NewRuleFire(&workflow.RuleFireStore{Store: db}, exec, log.With(logx.String("comp", "rulefire")))
	rt.Register(workflow.TypeRuleScheduled, fire.Func())

	eng := schedule.NewEngine(cfg.Scheduler.Namespace, db, rt, log.With(logx.String("comp", "schedule")))

	syncSvc := syncer.New(syncer.Config{
		TaskQueue:      rt.TaskQueue(),
		SyncRatePerSec: cfg.Poller.SyncRatePerSec,
	}, db, eng, log.With(logx.String("comp", "syncer")), bus)

	pollCfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	pollLoop := poller.New(pollCfg, db, syncSvc, log.With(logx.String("comp", "poller")), bus)

	loopCfg, err := mapExecutionConfig(cfg)
	if err != nil {
		return nil, err
	}
	acts := &workflow.StoreActivities{
		Store:      db,
		Dispatcher: workflow.LogDispatcher{Log: log.With(logx.String("comp", "dispatch"))},
	}
	execLoop := workflow.NewExecutionLoop(loopCfg, acts, exec, log.With(logx.String("comp", "execloop")))

	return &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		db:          db,
		runtime:     rt,
		engine:      eng,
		sync:        syncSvc,
		poll:        pollLoop,
		loop:        execLoop,
		health:      health.New(bus, log.With(logx.String("comp", "health"))),
		namespace:   cfg.Scheduler.Namespace,
		pollEnabled: cfg.Poller.Enabled,
		loopEnabled: cfg.Workflow.Execution.Enabled,
	}, nil
}

// ExecutionLoop exposes the signalable execution loop (pause/resume/reset).
func (a *App) ExecutionLoop() *workflow.ExecutionLoop { return a.loop }

// Poller exposes the polling loop for on-demand reconciliation.
func (a *App) Poller() *poller.Loop { return a.poll }

// Health exposes the aggregated counters.
func (a *App) Health() *health.Service { return a.health }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required")
		}
		if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
			return err
		}
		if _, err := mapPollerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapExecutionConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	runCtx := a.sup.Context()

	// Namespace provisioning precedes the engine: schedules load into an
	// already-registered namespace.
	prov := schedule.NewProvisioner(a.engine, a.log.With(logx.String("comp", "provisioner")))
	if err := prov.Ensure(runCtx, a.namespace); err != nil {
		return fmt.Errorf("provision namespace %q: %w", a.namespace, err)
	}

	a.runtime.Start(runCtx)
	if err := a.engine.Start(runCtx); err != nil {
		return err
	}
	a.health.Start(runCtx)

	if a.pollEnabled {
		a.poll.Start(runCtx)
	} else {
		a.log.Info("polling loop disabled via config")
	}

	if a.loopEnabled {
		// The loop self-heals across crashes; a clean return only happens on
		// shutdown.
		a.sup.GoRestart("workflow.execution", a.loop.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	} else {
		a.log.Info("execution loop disabled via config")
	}

	// Hot reload fan-out: logging and execution-loop settings apply live,
	// everything else needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("namespace", a.namespace))
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if loopCfg, err := mapExecutionConfig(cfg); err != nil {
		a.log.Warn("invalid execution config; keeping previous", logx.Err(err))
	} else if a.loopEnabled {
		a.loop.UpdateConfig(workflow.LoopConfigPatch{
			PollInterval:  &loopCfg.PollInterval,
			BatchSize:     &loopCfg.BatchSize,
			ProcessFailed: &loopCfg.ProcessFailed,
			MaxAttempts:   &loopCfg.MaxAttempts,
		})
	}

	if cfg.Storage.Path != "" && a.db != nil {
		// Storage settings are fixed at open time.
		a.log.Debug("config reloaded; storage changes require restart")
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("poller", 2*time.Second, func(c context.Context) error { a.poll.Stop(c); return nil })
	step("schedule", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("workflow", 3*time.Second, func(c context.Context) error { a.runtime.Stop(c); return nil })
	step("health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.poll_interval", cfg.Poller.PollInterval, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	delay, err := config.ParseDurationOrDefault("poller.initial_delay", cfg.Poller.InitialDelay, 5*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	if cfg.Poller.BatchSize < 0 {
		return poller.Config{}, fmt.Errorf("poller.batch_size must be >= 0")
	}

	pc := poller.Config{
		PollInterval: interval,
		InitialDelay: delay,
		BatchSize:    cfg.Poller.BatchSize,
	}
	if ent := strings.TrimSpace(cfg.Poller.EnterpriseID); ent != "" {
		pc.EnterpriseID = &ent
	}
	return pc, nil
}

func mapExecutionConfig(cfg *config.Config) (workflow.LoopConfig, error) {
	interval, err := config.ParseDurationOrDefault("workflow.execution.poll_interval", cfg.Workflow.Execution.PollInterval, 30*time.Second)
	if err != nil {
		return workflow.LoopConfig{}, err
	}
	if cfg.Workflow.Execution.BatchSize < 0 {
		return workflow.LoopConfig{}, fmt.Errorf("workflow.execution.batch_size must be >= 0")
	}
	if cfg.Workflow.Execution.MaxAttempts < 0 {
		return workflow.LoopConfig{}, fmt.Errorf("workflow.execution.max_attempts must be >= 0")
	}
	return workflow.LoopConfig{
		PollInterval:  interval,
		BatchSize:     cfg.Workflow.Execution.BatchSize,
		ProcessFailed: cfg.Workflow.Execution.ProcessFailed,
		MaxAttempts:   cfg.Workflow.Execution.MaxAttempts,
	}, nil
}
