package notifier

import (
	"context"
	"errors"
	"sync"

	"adsync/internal/eventbus"
	"adsync/internal/storage"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

// Watcher turns finished runs into notifications.
type Watcher struct {
	svc *Service
	log logx.Logger

	mu         sync.Mutex
	lastFailed map[string]bool // workflow -> last finished run failed
}

func NewWatcher(svc *Service, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{svc: svc, log: log.With(logx.String("comp", "notifier.watch")), lastFailed: map[string]bool{}}
}

// Seed restores the last outcome per workflow from history so the first
// success after a restart can still be reported as a recovery.
func (w *Watcher) Seed(ctx context.Context, st storage.Store) error {
	if st == nil {
		return nil
	}
	runs, err := st.ListRuns(ctx, 50)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range runs {
		if seen[r.Workflow] || (r.Status != workflow.StatusSucceeded && r.Status != workflow.StatusFailed) {
			continue
		}
		seen[r.Workflow] = true
		w.lastFailed[r.Workflow] = r.Status == workflow.StatusFailed
	}
	return nil
}

// Decide returns the message for run, if the notify_on policy wants one, and
// records the outcome.
func (w *Watcher) Decide(run *workflow.Run) (Message, bool) {
	if run == nil || (run.Status != workflow.StatusSucceeded && run.Status != workflow.StatusFailed) {
		return Message{}, false
	}
	w.mu.Lock()
	wasFailed := w.lastFailed[run.Workflow]
	w.lastFailed[run.Workflow] = run.Status == workflow.StatusFailed
	w.mu.Unlock()

	policy := w.svc.NotifyOn()
	if policy == "never" {
		return Message{}, false
	}
	switch {
	case run.Status == workflow.StatusFailed:
		return BuildMessage(KindFailure, run), true
	case wasFailed:
		return BuildMessage(KindRecovery, run), true
	case policy == "always":
		return BuildMessage(KindSuccess, run), true
	}
	return Message{}, false
}

// Run consumes run.finished events until ctx ends.
func (w *Watcher) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(32, eventbus.RunFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			run, _ := ev.Data.(*workflow.Run)
			m, ok := w.Decide(run)
			if !ok {
				continue
			}
			if err := w.svc.Notify(ctx, m); err != nil && !errors.Is(err, ErrDisabled) {
				w.log.Warn("notify failed", logx.String("run", run.ShortID()), logx.Err(err))
			}
		}
	}
}
