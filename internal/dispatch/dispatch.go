// Package dispatch turns triggers into runs: it applies the overlap policy,
// takes the run lock, executes the pipeline on the task engine and records
// every transition (history, metrics, events).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"adsync/internal/config"
	"adsync/internal/eventbus"
	"adsync/internal/lock"
	"adsync/internal/metrics"
	"adsync/internal/storage"
	"adsync/internal/task/engine"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

// ErrSkipped is returned (and recorded) when a trigger arrives while a run is
// in flight under the skip policy, or another instance holds the run lock.
var ErrSkipped = fmt.Errorf("run skipped: %w", engine.ErrOverlapSkip)

// Runner executes one run to completion. *workflow.Pipeline implements it.
type Runner interface {
	Execute(ctx context.Context, run *workflow.Run) error
}

type Options struct {
	Workflow    string
	QueueOnBusy bool
	RunTimeout  time.Duration
	LockKey     string
	LockTTL     time.Duration
	HistorySize int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workflow:    cfg.Workflow.Name,
		QueueOnBusy: cfg.Workflow.QueueOnOverlap(),
		RunTimeout:  cfg.Workflow.RunTimeout(),
		LockKey:     cfg.Lock.Key,
		LockTTL:     cfg.Lock.TTLDuration(),
		HistorySize: cfg.TaskEngine.HistorySize,
	}
}

// Request describes one trigger.
type Request struct {
	Trigger workflow.Trigger
	Actor   string
	Ref     string // manual dispatch may override the checkout ref
}

type Deps struct {
	Engine  *engine.Service
	Runner  Runner
	Store   storage.Store // nil disables persistence
	Locker  lock.Locker   // nil disables locking
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
	Log     logx.Logger
}

type Dispatcher struct {
	mu     sync.Mutex
	opts   Options
	runner Runner

	engine  *engine.Service
	store   storage.Store
	locker  lock.Locker
	metrics *metrics.Metrics
	bus     eventbus.Bus
	log     logx.Logger

	state  engine.RunState
	active map[string]*workflow.Run
	recent []*workflow.Run
}

func New(opts Options, d Deps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	return &Dispatcher{
		opts:    opts,
		runner:  d.Runner,
		engine:  d.Engine,
		store:   d.Store,
		locker:  d.Locker,
		metrics: d.Metrics,
		bus:     d.Bus,
		log:     d.Log.With(logx.String("comp", "dispatch")),
		active:  map[string]*workflow.Run{},
	}
}

// Apply swaps options and runner for future runs. In-flight runs keep theirs.
func (d *Dispatcher) Apply(opts Options, runner Runner) {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	d.mu.Lock()
	d.opts = opts
	if runner != nil {
		d.runner = runner
	}
	d.mu.Unlock()
}

// Dispatch records a queued run and hands it to the engine. When the overlap
// policy rejects it, the returned Pending is already resolved with a skipped
// run and the error is ErrSkipped.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Pending, error) {
	d.mu.Lock()
	opts, runner := d.opts, d.runner
	d.mu.Unlock()
	if runner == nil {
		return nil, errors.New("dispatch: no runner configured")
	}
	if req.Trigger == "" {
		req.Trigger = workflow.TriggerManual
	}

	run := workflow.NewRun(opts.Workflow, req.Trigger, strings.TrimSpace(req.Actor), strings.TrimSpace(req.Ref))
	p := newPending(run.ID)
	log := d.log.With(logx.String("run", run.ShortID()), logx.String("trigger", string(run.Trigger)))

	task := engine.Task{
		ID:      run.ID,
		Name:    opts.Workflow,
		Timeout: opts.RunTimeout,
		Run: func(ctx context.Context) error {
			return d.execute(ctx, opts, runner, run, p, log)
		},
		OnDrop: func(reason error) {
			d.skip(context.Background(), run, p, fmt.Sprintf("dropped: %v", reason), log)
		},
	}
	if !opts.QueueOnBusy {
		task.Overlap = engine.OverlapSkipIfRunning
		task.State = &d.state
	}

	d.track(run)
	d.save(ctx, run)
	d.publish(eventbus.RunQueued, run)

	if err := d.engine.Enqueue(task); err != nil {
		reason := err.Error()
		if errors.Is(err, engine.ErrOverlapSkip) {
			reason = "workflow already running"
		}
		d.skip(ctx, run, p, reason, log)
		if errors.Is(err, engine.ErrOverlapSkip) {
			return p, ErrSkipped
		}
		return p, err
	}
	log.Info("run queued", logx.String("actor", run.Actor), logx.String("ref", run.Ref))
	return p, nil
}

func (d *Dispatcher) execute(ctx context.Context, opts Options, runner Runner, run *workflow.Run, p *Pending, log logx.Logger) error {
	if d.locker != nil && opts.LockKey != "" {
		lease, err := d.locker.Obtain(ctx, opts.LockKey, opts.LockTTL)
		if errors.Is(err, lock.ErrNotObtained) {
			d.skip(ctx, run, p, "run lock held by another instance", log)
			return nil
		}
		if err != nil {
			d.fail(run, p, fmt.Errorf("obtain run lock: %w", err), log)
			return err
		}
		hctx, stop := context.WithCancel(ctx)
		go lock.Hold(hctx, lease, opts.LockTTL, log)
		defer func() {
			stop()
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(rctx); err != nil {
				log.Warn("lock release failed", logx.Err(err))
			}
		}()
	}

	run.Status = workflow.StatusRunning
	run.StartedAt = time.Now().UTC()
	d.track(run)
	d.save(ctx, run)
	d.publish(eventbus.RunStarted, run)
	if d.metrics != nil {
		d.metrics.RunStarted(run)
	}
	log.Info("run started")

	err := runner.Execute(ctx, run)
	if !run.Status.Terminal() {
		// Runners other than the pipeline may leave the status open.
		run.Status = workflow.StatusSucceeded
		if err != nil {
			run.Status = workflow.StatusFailed
			run.Error = err.Error()
		}
		run.FinishedAt = time.Now().UTC()
	}
	d.finish(run, p, err)
	return err
}

// StepHook is passed to the pipeline so step transitions reach history,
// metrics and subscribers while the run executes.
func (d *Dispatcher) StepHook(run *workflow.Run, step workflow.StepResult) {
	d.track(run)
	d.save(context.Background(), run)
	if d.metrics != nil {
		d.metrics.StepFinished(run, step)
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.RunStep, Data: StepEvent{Run: run.Clone(), Step: step}})
	}
}

// StepEvent is the payload of eventbus.RunStep.
type StepEvent struct {
	Run  *workflow.Run
	Step workflow.StepResult
}

func (d *Dispatcher) skip(ctx context.Context, run *workflow.Run, p *Pending, reason string, log logx.Logger) {
	run.Status = workflow.StatusSkipped
	run.Error = reason
	run.FinishedAt = time.Now().UTC()
	log.Info("run skipped", logx.String("reason", reason))
	d.untrack(run)
	d.save(ctx, run)
	if d.metrics != nil {
		d.metrics.RunFinished(run)
	}
	d.publish(eventbus.RunSkipped, run)
	p.resolve(run.Clone(), ErrSkipped)
}

func (d *Dispatcher) fail(run *workflow.Run, p *Pending, err error, log logx.Logger) {
	run.Status = workflow.StatusFailed
	run.Error = err.Error()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.FinishedAt = time.Now().UTC()
	log.Error("run failed before start", logx.Err(err))
	d.finish(run, p, err)
}

func (d *Dispatcher) finish(run *workflow.Run, p *Pending, err error) {
	d.untrack(run)
	// The run context may be done already; history still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.save(ctx, run)
	if d.metrics != nil {
		d.metrics.RunFinished(run)
	}
	d.publish(eventbus.RunFinished, run)
	p.resolve(run.Clone(), err)
}

func (d *Dispatcher) save(ctx context.Context, run *workflow.Run) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveRun(ctx, run); err != nil {
		d.log.Warn("save run failed", logx.String("run", run.ShortID()), logx.Err(err))
	}
}

func (d *Dispatcher) publish(topic string, run *workflow.Run) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: topic, Data: run.Clone()})
	}
}

func (d *Dispatcher) track(run *workflow.Run) {
	d.mu.Lock()
	d.active[run.ID] = run.Clone()
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(run *workflow.Run) {
	d.mu.Lock()
	delete(d.active, run.ID)
	d.recent = append(d.recent, run.Clone())
	if n := d.opts.HistorySize; len(d.recent) > n {
		d.recent = d.recent[len(d.recent)-n:]
	}
	d.mu.Unlock()
}

// Active returns queued and running runs, oldest first.
func (d *Dispatcher) Active() []*workflow.Run {
	d.mu.Lock()
	out := make([]*workflow.Run, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r.Clone())
	}
	d.mu.Unlock()
	sortByQueued(out, false)
	return out
}

// Busy reports whether a run is queued or running.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active) > 0
}

// History lists finished runs newest first, from storage when configured.
func (d *Dispatcher) History(ctx context.Context, limit int) ([]*workflow.Run, error) {
	if d.store != nil {
		return d.store.ListRuns(ctx, limit)
	}
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	d.mu.Lock()
	out := make([]*workflow.Run, 0, len(d.recent))
	for _, r := range d.recent {
		out = append(out, r.Clone())
	}
	d.mu.Unlock()
	sortByQueued(out, true)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get finds a run by ID (or unique ID prefix among in-memory runs).
func (d *Dispatcher) Get(ctx context.Context, id string) (*workflow.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, storage.ErrNotFound
	}
	d.mu.Lock()
	if r, ok := d.active[id]; ok {
		d.mu.Unlock()
		return r.Clone(), nil
	}
	var match *workflow.Run
	for _, r := range d.recent {
		if r.ID == id || strings.HasPrefix(r.ID, id) {
			match = r
		}
	}
	d.mu.Unlock()
	if d.store != nil {
		if r, err := d.store.GetRun(ctx, id); err == nil || !errors.Is(err, storage.ErrNotFound) {
			return r, err
		}
	}
	if match != nil {
		return match.Clone(), nil
	}
	return nil, storage.ErrNotFound
}
