package config

import (
	"reflect"
	"sort"
	"strings"

	logx "adsync/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens, routing keys and URLs that may embed
// credentials are never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Workflow, newCfg.Workflow) {
		changed = append(changed, "workflow")
		attrs = append(attrs,
			logx.String("workflow.name", newCfg.Workflow.Name),
			logx.String("workflow.schedule", newCfg.Workflow.ScheduleSpec()),
			logx.String("workflow.timezone", newCfg.Workflow.Timezone),
			logx.String("workflow.concurrency", newCfg.Workflow.Concurrency),
		)
	}

	// Pipeline steps.
	if !reflect.DeepEqual(oldCfg.Checkout, newCfg.Checkout) {
		changed = append(changed, "checkout")
		attrs = append(attrs,
			logx.Bool("checkout.repository_set", strings.TrimSpace(newCfg.Checkout.Repository) != ""),
			logx.String("checkout.ref", newCfg.Checkout.Ref),
			logx.String("checkout.dir", newCfg.Checkout.Dir),
		)
	}
	if !reflect.DeepEqual(oldCfg.Runtime, newCfg.Runtime) {
		changed = append(changed, "runtime")
		attrs = append(attrs, logx.String("runtime.version", newCfg.Runtime.Version))
	}
	if !reflect.DeepEqual(oldCfg.Deps, newCfg.Deps) {
		changed = append(changed, "deps")
		attrs = append(attrs, logx.String("deps.manifest", newCfg.Deps.Manifest))
	}
	if !reflect.DeepEqual(oldCfg.Job, newCfg.Job) {
		changed = append(changed, "job")
		attrs = append(attrs,
			logx.String("job.script", newCfg.Job.Script),
			logx.Strings("job.env", sortedKeys(newCfg.Job.Env)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Secrets, newCfg.Secrets) {
		changed = append(changed, "secrets")
		attrs = append(attrs, logx.Int("secrets.providers", len(newCfg.Secrets.Providers)))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.Int("task_engine.history_size", newCfg.TaskEngine.HistorySize),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := newCfg.Notifier
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.String("notifier.notify_on", n.NotifyOn),
			logx.Bool("notifier.telegram", n.Telegram.Enabled),
			logx.Bool("notifier.webhook", n.Webhook.Enabled),
			logx.Bool("notifier.pagerduty", n.PagerDuty.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.String("lock.driver", newCfg.Lock.Driver),
			logx.String("lock.ttl", newCfg.Lock.TTL),
		)
	}

	// Ops (never log token)
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
