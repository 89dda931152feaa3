// Package app wires configuration, the pipeline and every supporting service
// into the adsync daemon and the one-shot runner.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"adsync/internal/config"
	"adsync/internal/dispatch"
	"adsync/internal/eventbus"
	"adsync/internal/lock"
	"adsync/internal/metrics"
	"adsync/internal/notifier"
	"adsync/internal/ops"
	rtsup "adsync/internal/runtime/supervisor"
	"adsync/internal/secrets"
	"adsync/internal/storage"
	"adsync/internal/task/engine"
	"adsync/internal/task/scheduler"
	"adsync/internal/transport"
	"adsync/internal/transport/telegram"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus      eventbus.Bus
	store    storage.Store
	locker   lock.Locker
	redactor *secrets.Redactor
	metrics  *metrics.Metrics
	cmd      workflow.Commander

	engine  *engine.Service
	sched   *scheduler.Service
	disp    *dispatch.Dispatcher
	notif   *notifier.Service
	watcher *notifier.Watcher
	ops     *ops.Service

	bot    *telegram.Bot // nil when the chat transport is off
	sender transport.Sender
}

type Option func(*App)

// WithCommander replaces the process runner used by the pipeline.
func WithCommander(c workflow.Commander) Option { return func(a *App) { a.cmd = c } }

// WithEnviron replaces the process environment used for ADSYNC_* overrides.
func WithEnviron(environ map[string]string) Option {
	return func(a *App) { a.cfgm.SetEnviron(environ) }
}

// New loads the config at cfgPath and builds every component without starting any.
func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgm: config.NewConfigManager(cfgPath), cmd: workflow.ExecCommander{}}
	for _, o := range opts {
		o(a)
	}
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(telegram.ConfigFrom(cfg.Telegram), logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.bot, a.sender = bot, bot
	}

	a.logs, a.log = logx.New(logConfig(cfg), a.sender)
	a.redactor = secrets.NewRedactor()
	a.logs.SetRedactor(a.redactor)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := secrets.Open(c.Secrets)
		return err
	})

	a.bus = eventbus.New()
	a.metrics = metrics.New()

	if a.store, err = storage.Open(cfg.Storage, a.log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver), logx.String("path", cfg.Storage.Path))
	}
	if a.locker, err = lock.Open(cfg.Lock, a.log.With(logx.String("comp", "lock"))); err != nil {
		a.closeStores()
		return nil, err
	}

	a.engine = engine.New(engineConfig(cfg), a.log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(schedulerConfig(cfg), a.log.With(logx.String("comp", "scheduler")))
	a.disp = dispatch.New(dispatch.OptionsFromConfig(cfg), dispatch.Deps{
		Engine:  a.engine,
		Store:   a.store,
		Locker:  a.locker,
		Metrics: a.metrics,
		Bus:     a.bus,
		Log:     a.log,
	})
	p, err := a.newPipeline(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.disp.Apply(dispatch.OptionsFromConfig(cfg), p)

	a.notif = notifier.New(notifier.ConfigFrom(cfg.Notifier), a.log.With(logx.String("comp", "notifier")),
		a.bus, a.store, a.metrics, notifier.BuildSinks(cfg, a.sender, a.log)...)
	a.watcher = notifier.NewWatcher(a.notif, a.log)

	a.ops = ops.New(ops.ConfigFrom(cfg.Ops), a.disp, a.metrics.Handler(), a.sched.Snapshot, a.log)
	if a.bot != nil {
		a.registerCommands()
	}
	return a, nil
}

func (a *App) newPipeline(cfg *config.Config) (*workflow.Pipeline, error) {
	store, err := secrets.Open(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	return workflow.NewPipeline(workflow.SpecFromConfig(cfg), a.cmd, store,
		workflow.WithRedactor(a.redactor),
		workflow.WithLogger(a.log.With(logx.String("comp", "pipeline"))),
		workflow.WithStepHook(a.disp.StepHook),
	), nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// startCore starts what both serve and run modes need: the task engine and
// result notifications. watch subscribes the watcher to finished runs.
func (a *App) startCore(ctx context.Context, watch bool) {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.engine.Start(a.sup.Context())
	a.startNotifier()
	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.watcher.Seed(seedCtx, a.store); err != nil {
		a.log.Warn("notifier seed from history failed", logx.Err(err))
	}
	cancel()
	if watch {
		a.sup.Go("notifier.watch", func(c context.Context) error { return a.watcher.Run(c, a.bus) })
	}
}

// Start runs the daemon: schedule triggers, ops server, chat commands and
// config hot reload, on top of the core.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.startCore(ctx, true)

	if spec := cfg.Workflow.ScheduleSpec(); spec != "" {
		if err := a.sched.AddCron(scheduleName, spec, a.fire); err != nil {
			return err
		}
	}
	a.sched.Start(a.sup.Context())
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}
	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.startSystemd()

	fields := []logx.Field{
		logx.String("workflow", cfg.Workflow.Name),
		logx.String("schedule", cfg.Workflow.ScheduleSpec()),
		logx.String("tz", cfg.Workflow.Timezone),
		logx.String("concurrency", cfg.Workflow.Concurrency),
	}
	if next, _ := NextFires(cfg, time.Now(), 1); len(next) == 1 {
		fields = append(fields, logx.Time("next", next[0]))
	}
	a.log.Info("adsync started", fields...)
	return nil
}

// fire is the cron callback. An overlap skip surfaces as engine.ErrOverlapSkip
// so the scheduler logs it as normal operation.
func (a *App) fire(ctx context.Context, at time.Time) error {
	_, err := a.disp.Dispatch(ctx, dispatch.Request{Trigger: workflow.TriggerSchedule, Actor: "cron@" + at.Format(time.RFC3339)})
	return err
}

// RunOnce executes a single manual run in the foreground and waits for it.
// The run's notification is queued directly and flushed by Stop.
func (a *App) RunOnce(ctx context.Context, req dispatch.Request) (*workflow.Run, error) {
	a.startCore(ctx, false)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopRunOnce)
	}()

	if req.Trigger == "" {
		req.Trigger = workflow.TriggerManual
	}
	if req.Actor == "" {
		req.Actor = currentUser()
	}
	p, err := a.disp.Dispatch(ctx, req)
	if err != nil && !errors.Is(err, dispatch.ErrSkipped) {
		return nil, err
	}
	run, runErr := p.Wait(ctx)
	if run == nil {
		return nil, runErr
	}
	if errors.Is(err, dispatch.ErrSkipped) {
		return run, err
	}
	if m, ok := a.watcher.Decide(run); ok {
		if err := a.notif.Notify(ctx, m); err != nil && !errors.Is(err, notifier.ErrDisabled) {
			a.log.Warn("notify failed", logx.String("run", run.ShortID()), logx.Err(err))
		}
	}
	return run, runErr
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// Stop shuts components down in dependency order, each step bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping()
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	a.step(ctx, "taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.closeStores()

	a.log.Info("stopped")
	return a.logs.Close()
}

// startNotifier detaches the notifier from app cancellation so Stop can
// drain queued messages within its own deadline.
func (a *App) startNotifier() {
	if a.notif.Enabled() {
		a.notif.Start(context.WithoutCancel(a.sup.Context()))
	}
}

func (a *App) closeStores() {
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			a.log.Warn("lock close failed", logx.Err(err))
		}
		a.locker = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
