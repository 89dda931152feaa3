package config

// DefaultSchedule fires the workflow once a day at 10:00 in the workflow timezone.
const DefaultSchedule = "0 10 * * *"

type Config struct {
	Workflow WorkflowConfig `json:"workflow"`
	Checkout CheckoutConfig `json:"checkout"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Deps     DepsConfig     `json:"deps"`
	Job      JobConfig      `json:"job"`
	Secrets  SecretsConfig  `json:"secrets"`

	// TaskEngine controls the queue in front of the single pipeline worker.
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Lock     LockConfig     `json:"lock,omitempty"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

// WorkflowConfig describes when the pipeline is triggered.
//
// Schedule is a pointer so an omitted key (default "0 10 * * *") can be told
// apart from an explicit "" (manual dispatch only).
type WorkflowConfig struct {
	Name     string  `json:"name"`
	Schedule *string `json:"schedule,omitempty"`
	Timezone string  `json:"timezone,omitempty"`

	// Concurrency is "skip" (default) or "queue".
	Concurrency string `json:"concurrency,omitempty"`

	// Timeout bounds a whole run (Go duration string). Default "6h".
	Timeout string `json:"timeout,omitempty"`
}

// ScheduleSpec returns the effective cron expression ("" when schedule triggers are off).
func (w WorkflowConfig) ScheduleSpec() string {
	if w.Schedule == nil {
		return DefaultSchedule
	}
	return *w.Schedule
}

// CheckoutConfig controls the checkout step. An empty Repository means the
// step runs against Dir as-is.
type CheckoutConfig struct {
	Repository string `json:"repository,omitempty"`
	Ref        string `json:"ref,omitempty"`
	Dir        string `json:"dir,omitempty"`
	Depth      int    `json:"depth,omitempty"`
	Clean      *bool  `json:"clean,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type RuntimeConfig struct {
	Version     string `json:"version,omitempty"`
	Interpreter string `json:"interpreter,omitempty"`
	Venv        *bool  `json:"venv,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type DepsConfig struct {
	Manifest   string `json:"manifest,omitempty"`
	UpgradePip *bool  `json:"upgrade_pip,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type JobConfig struct {
	Script string   `json:"script,omitempty"`
	Args   []string `json:"args,omitempty"`

	// Env maps child variable name -> secret name.
	Env map[string]string `json:"env,omitempty"`

	// InheritEnv lists non-secret variables copied from the service environment.
	InheritEnv []string `json:"inherit_env,omitempty"`

	Timeout   string `json:"timeout,omitempty"`
	TailLines int    `json:"tail_lines,omitempty"`
}

type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers,omitempty"`
}

// SecretProviderConfig is one link of the secret chain.
//
//	{"type": "env", "prefix": "ADSYNC_SECRET_"}
//	{"type": "file", "dir": "/run/secrets"}
//	{"type": "dotenv", "path": ".env"}
type SecretProviderConfig struct {
	Type   string `json:"type"`
	Prefix string `json:"prefix,omitempty"`
	Dir    string `json:"dir,omitempty"`
	Path   string `json:"path,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 8
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 100
type TaskEngineConfig struct {
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// ChatID receives log lines and run notifications unless overridden.
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls run history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./adsync.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls run result notifications.
type NotifierConfig struct {
	Enabled bool `json:"enabled"`
	// NotifyOn is "failure" (default), "always" or "never".
	NotifyOn string `json:"notify_on,omitempty"`

	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`

	Telegram  NotifierTelegram  `json:"telegram,omitempty"`
	Webhook   NotifierWebhook   `json:"webhook,omitempty"`
	PagerDuty NotifierPagerDuty `json:"pagerduty,omitempty"`
}

type NotifierTelegram struct {
	Enabled  bool  `json:"enabled"`
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// NotifierWebhook posts {"text": ...} payloads (Google Chat compatible).
type NotifierWebhook struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type NotifierPagerDuty struct {
	Enabled    bool   `json:"enabled"`
	RoutingKey string `json:"routing_key,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Source     string `json:"source,omitempty"`
}

// LockConfig controls exclusivity of runs across instances.
type LockConfig struct {
	// Driver is "local" (default), "redis" or "none".
	Driver   string `json:"driver,omitempty"`
	RedisURL string `json:"redis_url,omitempty"`
	Key      string `json:"key,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// OpsConfig controls the optional operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
