package app

import (
	"context"
	"strings"
	"time"

	"adsync/internal/config"
	"adsync/internal/dispatch"
	"adsync/internal/notifier"
	"adsync/internal/ops"
	"adsync/internal/transport/telegram"
	logx "adsync/pkg/logx"
)

// startReload fans validated config updates out to the running components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)

	a.logs.Apply(logConfig(next))
	a.engine.Apply(ctx, engineConfig(next))

	if p, err := a.newPipeline(next); err != nil {
		a.log.Error("pipeline rebuild failed; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dispatch.OptionsFromConfig(next), p)
	}

	a.sched.Apply(schedulerConfig(next))
	if spec := next.Workflow.ScheduleSpec(); spec != "" {
		if spec != prev.Workflow.ScheduleSpec() || !a.hasSchedule() {
			if err := a.sched.AddCron(scheduleName, spec, a.fire); err != nil {
				a.log.Error("schedule update failed", logx.String("spec", spec), logx.Err(err))
			}
		}
	} else if a.sched.Remove(scheduleName) {
		a.log.Info("schedule removed; manual dispatch only")
	}

	wasNotifying := a.notif.Enabled()
	a.notif.Apply(notifier.ConfigFrom(next.Notifier), notifier.BuildSinks(next, a.sender, a.log)...)
	switch {
	case !wasNotifying && a.notif.Enabled():
		a.startNotifier()
	case wasNotifying && !a.notif.Enabled():
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}

	a.ops.Reconfigure(ctx, ops.ConfigFrom(next.Ops))
	if a.bot != nil {
		a.bot.Apply(telegram.ConfigFrom(next.Telegram))
	}

	if prev.Storage != next.Storage || prev.Lock != next.Lock ||
		prev.Telegram.Enabled != next.Telegram.Enabled ||
		strings.TrimSpace(prev.Telegram.Token) != strings.TrimSpace(next.Telegram.Token) {
		a.log.Warn("storage, lock or telegram transport changes need a restart")
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) hasSchedule() bool {
	for _, s := range a.sched.Snapshot().Schedules {
		if s.Name == scheduleName {
			return true
		}
	}
	return false
}
