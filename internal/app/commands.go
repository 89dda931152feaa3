package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"adsync/internal/dispatch"
	"adsync/internal/transport"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

const maxListedRuns = 20

func (a *App) registerCommands() {
	a.bot.Handle("dispatch", "run the workflow now: /dispatch [ref]", a.cmdDispatch)
	a.bot.Handle("status", "current run, last result and next fire", a.cmdStatus)
	a.bot.Handle("next", "upcoming schedule fires: /next [n]", a.cmdNext)
	a.bot.Handle("runs", "recent runs: /runs [n]", a.cmdRuns)
}

func (a *App) cmdDispatch(ctx context.Context, cmd transport.Command) (string, error) {
	req := dispatch.Request{Trigger: workflow.TriggerManual, Actor: chatActor(cmd)}
	if len(cmd.Args) > 0 {
		req.Ref = cmd.Args[0]
	}
	p, err := a.disp.Dispatch(ctx, req)
	if errors.Is(err, dispatch.ErrSkipped) {
		return "⏭ skipped: a run is already in progress", nil
	}
	if err != nil {
		return "", err
	}

	to := transport.ChatTarget{ChatID: cmd.ChatID, ThreadID: cmd.ThreadID}
	a.sup.Go0("dispatch.reply", func(c context.Context) {
		run, _ := p.Wait(c)
		if run == nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(c), 10*time.Second)
		defer cancel()
		if err := a.sender.SendText(sendCtx, to, runSummary(run), &transport.SendOptions{DisablePreview: true}); err != nil {
			a.log.Warn("dispatch reply failed", logx.String("run", run.ShortID()), logx.Err(err))
		}
	})
	return fmt.Sprintf("▶️ queued run %s", shortID(p.ID())), nil
}

func (a *App) cmdStatus(ctx context.Context, _ transport.Command) (string, error) {
	cfg := a.cfgm.Get()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", cfg.Workflow.Name)
	if active := a.disp.Active(); len(active) > 0 {
		for _, r := range active {
			fmt.Fprintf(&b, "active: %s\n", runLine(r))
		}
	} else {
		b.WriteString("active: none\n")
	}
	if runs, err := a.disp.History(ctx, 5); err == nil {
		for _, r := range runs {
			if r.Status.Terminal() && r.Status != workflow.StatusSkipped {
				fmt.Fprintf(&b, "last: %s\n", runLine(r))
				break
			}
		}
	}
	next, err := NextFires(cfg, time.Now(), 1)
	switch {
	case err != nil:
		return "", err
	case len(next) == 0:
		b.WriteString("next: schedule off")
	default:
		fmt.Fprintf(&b, "next: %s", next[0].Format(time.RFC3339))
	}
	return b.String(), nil
}

func (a *App) cmdNext(_ context.Context, cmd transport.Command) (string, error) {
	n, err := countArg(cmd.Args, 3)
	if err != nil {
		return "", err
	}
	cfg := a.cfgm.Get()
	next, err := NextFires(cfg, time.Now(), n)
	if err != nil {
		return "", err
	}
	if len(next) == 0 {
		return "schedule off; manual dispatch only", nil
	}
	lines := make([]string, 0, len(next)+1)
	lines = append(lines, fmt.Sprintf("%s (%s)", cfg.Workflow.ScheduleSpec(), cfg.Workflow.Timezone))
	for _, t := range next {
		lines = append(lines, t.Format(time.RFC3339))
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) cmdRuns(ctx context.Context, cmd transport.Command) (string, error) {
	n, err := countArg(cmd.Args, 5)
	if err != nil {
		return "", err
	}
	runs, err := a.disp.History(ctx, n)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "no runs yet", nil
	}
	lines := make([]string, 0, len(runs))
	for _, r := range runs {
		lines = append(lines, runLine(r))
	}
	return strings.Join(lines, "\n"), nil
}

func countArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q", args[0])
	}
	return min(n, maxListedRuns), nil
}

func chatActor(cmd transport.Command) string {
	if cmd.FromUsername != "" {
		return "tg:@" + cmd.FromUsername
	}
	return "tg:" + strconv.FormatInt(cmd.FromID, 10)
}

func statusIcon(s workflow.Status) string {
	switch s {
	case workflow.StatusSucceeded:
		return "✅"
	case workflow.StatusFailed:
		return "❌"
	case workflow.StatusSkipped:
		return "⏭"
	case workflow.StatusRunning:
		return "🔄"
	default:
		return "⏳"
	}
}

// runLine renders a run as one line, e.g. "✅ 1a2b3c4d schedule 4m2s".
func runLine(r *workflow.Run) string {
	parts := []string{statusIcon(r.Status), r.ShortID(), string(r.Trigger)}
	if !r.QueuedAt.IsZero() {
		parts = append(parts, r.QueuedAt.UTC().Format("2006-01-02 15:04"))
	}
	if d := r.Duration(); d > 0 {
		parts = append(parts, d.Round(time.Second).String())
	}
	if r.Status == workflow.StatusFailed {
		if r.FailedStep != "" {
			parts = append(parts, "at "+string(r.FailedStep))
		}
		if r.ExitCode != nil {
			parts = append(parts, fmt.Sprintf("exit %d", *r.ExitCode))
		}
	}
	return strings.Join(parts, " ")
}

func runSummary(r *workflow.Run) string {
	s := runLine(r)
	if r.Status == workflow.StatusFailed && r.Error != "" {
		s += "\n" + r.Error
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
