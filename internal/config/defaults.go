package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"adsync/internal/task/scheduler"
	logx "adsync/pkg/logx"
)

// Secret variable names the script reads.
const (
	EnvAccessToken     = "ACCESS_TOKEN"
	EnvSupabaseURL     = "SUPABASE_URL"
	EnvSupabaseRoleKey = "SUPABASE_SERVICE_ROLE_KEY"
)

var (
	runtimeVersionRe = regexp.MustCompile(`^\d+\.\d+$`)
	envNameRe        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	w := &cfg.Workflow
	if strings.TrimSpace(w.Name) == "" {
		w.Name = "meta-ads-monitoring"
	}
	if strings.TrimSpace(w.Timezone) == "" {
		w.Timezone = "UTC"
	}
	if strings.TrimSpace(w.Concurrency) == "" {
		w.Concurrency = "skip"
	}
	if strings.TrimSpace(w.Timeout) == "" {
		w.Timeout = "6h"
	}

	c := &cfg.Checkout
	if strings.TrimSpace(c.Ref) == "" {
		c.Ref = "HEAD"
	}
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = "./workspace"
	}
	if c.Depth == 0 {
		c.Depth = 1
	}
	if c.Clean == nil {
		c.Clean = boolPtr(true)
	}

	if strings.TrimSpace(cfg.Runtime.Version) == "" {
		cfg.Runtime.Version = "3.11"
	}
	if cfg.Runtime.Venv == nil {
		cfg.Runtime.Venv = boolPtr(true)
	}

	if strings.TrimSpace(cfg.Deps.Manifest) == "" {
		cfg.Deps.Manifest = "requirements.txt"
	}
	if cfg.Deps.UpgradePip == nil {
		cfg.Deps.UpgradePip = boolPtr(true)
	}

	j := &cfg.Job
	if strings.TrimSpace(j.Script) == "" {
		j.Script = "meta_ads_monitoring.py"
	}
	if len(j.Env) == 0 {
		j.Env = map[string]string{
			EnvAccessToken:     EnvAccessToken,
			EnvSupabaseURL:     EnvSupabaseURL,
			EnvSupabaseRoleKey: EnvSupabaseRoleKey,
		}
	}
	if j.InheritEnv == nil {
		j.InheritEnv = []string{"PATH", "HOME", "LANG", "TZ"}
	}
	if j.TailLines <= 0 {
		j.TailLines = 50
	}

	if len(cfg.Secrets.Providers) == 0 {
		cfg.Secrets.Providers = []SecretProviderConfig{{Type: "env"}}
	}

	if cfg.TaskEngine.QueueSize <= 0 {
		cfg.TaskEngine.QueueSize = 8
	}
	if cfg.TaskEngine.HistorySize <= 0 {
		cfg.TaskEngine.HistorySize = 100
	}

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}

	s := &cfg.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if strings.TrimSpace(s.Path) == "" {
		switch s.Driver {
		case "file":
			s.Path = "./adsync_runs.jsonl"
		case "sqlite":
			s.Path = "./adsync.db"
		}
	}

	n := &cfg.Notifier
	if strings.TrimSpace(n.NotifyOn) == "" {
		n.NotifyOn = "failure"
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 64
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = 1
	}
	if n.RetryMax <= 0 {
		n.RetryMax = 3
	}
	if strings.TrimSpace(n.RetryBase) == "" {
		n.RetryBase = "500ms"
	}
	if strings.TrimSpace(n.RetryMaxDelay) == "" {
		n.RetryMaxDelay = "10s"
	}
	if strings.TrimSpace(n.DedupWindow) == "" {
		n.DedupWindow = "1m"
	}
	if n.Telegram.ChatID == 0 {
		n.Telegram.ChatID = cfg.Telegram.ChatID
		if n.Telegram.ThreadID == 0 {
			n.Telegram.ThreadID = cfg.Telegram.ThreadID
		}
	}
	if strings.TrimSpace(n.Webhook.Timeout) == "" {
		n.Webhook.Timeout = "10s"
	}
	if strings.TrimSpace(n.PagerDuty.Severity) == "" {
		n.PagerDuty.Severity = "error"
	}
	if strings.TrimSpace(n.PagerDuty.Source) == "" {
		n.PagerDuty.Source = "adsync"
	}

	l := &cfg.Lock
	l.Driver = strings.ToLower(strings.TrimSpace(l.Driver))
	if l.Driver == "" {
		l.Driver = "local"
	}
	if strings.TrimSpace(l.Key) == "" {
		l.Key = "adsync:" + w.Name
	}
	if strings.TrimSpace(l.TTL) == "" {
		l.TTL = "1m"
	}

	if strings.TrimSpace(cfg.Ops.Addr) == "" {
		cfg.Ops.Addr = "127.0.0.1:8089"
	}
	if strings.TrimSpace(cfg.Telegram.PollTimeout) == "" {
		cfg.Telegram.PollTimeout = "10s"
	}
}

// Validate reports every problem found in a defaulted config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	w := cfg.Workflow
	if _, err := scheduler.LoadLocation(w.Timezone); err != nil {
		add("workflow.timezone: %w", err)
	}
	if spec := strings.TrimSpace(w.ScheduleSpec()); spec != "" {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			add("workflow.schedule: %w", err)
		}
	}
	switch w.Concurrency {
	case "skip", "queue":
	default:
		add("workflow.concurrency: must be skip or queue, got %q", w.Concurrency)
	}
	dur("workflow.timeout", w.Timeout)

	if cfg.Checkout.Depth < 0 {
		add("checkout.depth: must be >= 0")
	}
	dur("checkout.timeout", cfg.Checkout.Timeout)

	if !runtimeVersionRe.MatchString(cfg.Runtime.Version) {
		add("runtime.version: want MAJOR.MINOR, got %q", cfg.Runtime.Version)
	}
	dur("runtime.timeout", cfg.Runtime.Timeout)
	dur("deps.timeout", cfg.Deps.Timeout)

	if strings.TrimSpace(cfg.Job.Script) == "" {
		add("job.script: required")
	}
	for name, secret := range cfg.Job.Env {
		if !envNameRe.MatchString(name) {
			add("job.env: invalid variable name %q", name)
		}
		if strings.TrimSpace(secret) == "" {
			add("job.env.%s: secret name required", name)
		}
	}
	for _, name := range cfg.Job.InheritEnv {
		if !envNameRe.MatchString(name) {
			add("job.inherit_env: invalid variable name %q", name)
		}
		if _, ok := cfg.Job.Env[name]; ok {
			add("job.inherit_env: %q is also a secret variable", name)
		}
	}
	dur("job.timeout", cfg.Job.Timeout)

	for i, p := range cfg.Secrets.Providers {
		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case "env":
		case "file":
			if strings.TrimSpace(p.Dir) == "" {
				add("secrets.providers[%d]: dir required for file provider", i)
			}
		case "dotenv":
			if strings.TrimSpace(p.Path) == "" {
				add("secrets.providers[%d]: path required for dotenv provider", i)
			}
		default:
			add("secrets.providers[%d]: unknown type %q", i, p.Type)
		}
	}

	dur("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay)

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Telegram.Enabled && !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token: required when telegram is enabled")
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	switch cfg.Storage.Driver {
	case "", "none", "file", "sqlite":
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	n := cfg.Notifier
	switch n.NotifyOn {
	case "failure", "always", "never":
	default:
		add("notifier.notify_on: must be failure, always or never, got %q", n.NotifyOn)
	}
	dur("notifier.retry_base", n.RetryBase)
	dur("notifier.retry_max_delay", n.RetryMaxDelay)
	dur("notifier.dedup_window", n.DedupWindow)
	dur("notifier.webhook.timeout", n.Webhook.Timeout)
	if n.Enabled {
		if n.Telegram.Enabled && (!cfg.Telegram.Enabled || n.Telegram.ChatID == 0) {
			add("notifier.telegram: needs telegram.enabled and a chat_id")
		}
		if n.Webhook.Enabled && strings.TrimSpace(n.Webhook.URL) == "" {
			add("notifier.webhook.url: required when webhook is enabled")
		}
		if n.PagerDuty.Enabled && strings.TrimSpace(n.PagerDuty.RoutingKey) == "" {
			add("notifier.pagerduty.routing_key: required when pagerduty is enabled")
		}
	}
	switch n.PagerDuty.Severity {
	case "critical", "error", "warning", "info":
	default:
		add("notifier.pagerduty.severity: unknown severity %q", n.PagerDuty.Severity)
	}

	switch cfg.Lock.Driver {
	case "local", "none":
	case "redis":
		if strings.TrimSpace(cfg.Lock.RedisURL) == "" {
			add("lock.redis_url: required for redis driver")
		}
	default:
		add("lock.driver: unknown driver %q", cfg.Lock.Driver)
	}
	if ttl, err := ParseDurationField("lock.ttl", cfg.Lock.TTL); err != nil {
		errs = append(errs, err)
	} else if ttl < time.Second {
		add("lock.ttl: must be >= 1s")
	}

	o := cfg.Ops
	dur("ops.read_timeout", o.ReadTimeout)
	dur("ops.write_timeout", o.WriteTimeout)
	dur("ops.idle_timeout", o.IdleTimeout)
	if o.Enabled {
		if _, _, err := net.SplitHostPort(o.Addr); err != nil {
			add("ops.addr: %w", err)
		} else if !IsLoopbackAddr(o.Addr) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
			add("ops: refusing non-loopback addr %q without token (set ops.token or ops.allow_insecure)", o.Addr)
		}
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func boolPtr(v bool) *bool { return &v }

// Location returns the workflow timezone (UTC when unset or invalid).
func (w WorkflowConfig) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(w.Timezone))
	if err != nil || strings.TrimSpace(w.Timezone) == "" {
		return time.UTC
	}
	return loc
}

func (w WorkflowConfig) RunTimeout() time.Duration { return mustDuration(w.Timeout, 6*time.Hour) }

// QueueOnOverlap reports whether a trigger waits for the in-flight run instead of being skipped.
func (w WorkflowConfig) QueueOnOverlap() bool { return w.Concurrency == "queue" }

func (c CheckoutConfig) CleanEnabled() bool         { return c.Clean == nil || *c.Clean }
func (c CheckoutConfig) StepTimeout() time.Duration { return mustDuration(c.Timeout, 0) }
func (r RuntimeConfig) VenvEnabled() bool           { return r.Venv == nil || *r.Venv }
func (r RuntimeConfig) StepTimeout() time.Duration  { return mustDuration(r.Timeout, 0) }
func (d DepsConfig) UpgradePipEnabled() bool        { return d.UpgradePip == nil || *d.UpgradePip }
func (d DepsConfig) StepTimeout() time.Duration     { return mustDuration(d.Timeout, 0) }
func (j JobConfig) StepTimeout() time.Duration      { return mustDuration(j.Timeout, 0) }
func (l LockConfig) TTLDuration() time.Duration     { return mustDuration(l.TTL, time.Minute) }
