package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	p := writeFile(t, "adsync.yaml", `
workflow:
  name: ads
checkout:
  repository: https://example.com/acme/ads.git
`)
	m := NewConfigManager(p)
	m.SetEnviron(map[string]string{})
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultSchedule, cfg.Workflow.ScheduleSpec())
	assert.Equal(t, "UTC", cfg.Workflow.Timezone)
	assert.Equal(t, "skip", cfg.Workflow.Concurrency)
	assert.Equal(t, 6*time.Hour, cfg.Workflow.RunTimeout())
	assert.Equal(t, "3.11", cfg.Runtime.Version)
	assert.True(t, cfg.Runtime.VenvEnabled())
	assert.Equal(t, "requirements.txt", cfg.Deps.Manifest)
	assert.Equal(t, "meta_ads_monitoring.py", cfg.Job.Script)
	assert.Equal(t, map[string]string{
		"ACCESS_TOKEN":              "ACCESS_TOKEN",
		"SUPABASE_URL":              "SUPABASE_URL",
		"SUPABASE_SERVICE_ROLE_KEY": "SUPABASE_SERVICE_ROLE_KEY",
	}, cfg.Job.Env)
	assert.Equal(t, "adsync:ads", cfg.Lock.Key)
	assert.Same(t, cfg, m.Get())
}

func TestExplicitEmptyScheduleDisablesTimer(t *testing.T) {
	p := writeFile(t, "adsync.json", `{"workflow": {"schedule": ""}}`)
	m := NewConfigManager(p)
	m.SetEnviron(map[string]string{})
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Workflow.ScheduleSpec())
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"workflow": {"nme": "x"}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad cron", "c.yaml", "workflow:\n  schedule: \"61 10 * * *\"\n", "workflow.schedule"},
		{"bad timezone", "c.yaml", "workflow:\n  timezone: Mars/Olympus\n", "workflow.timezone"},
		{"bad concurrency", "c.yaml", "workflow:\n  concurrency: parallel\n", "workflow.concurrency"},
		{"bad runtime", "c.yaml", "runtime:\n  version: \"3\"\n", "runtime.version"},
		{"redis without url", "c.yaml", "lock:\n  driver: redis\n", "lock.redis_url"},
		{"ops public without token", "c.yaml", "ops:\n  enabled: true\n  addr: 0.0.0.0:8089\n", "refusing non-loopback"},
		{"webhook without url", "c.yaml", "notifier:\n  enabled: true\n  webhook:\n    enabled: true\n", "notifier.webhook.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			m.SetEnviron(map[string]string{})
			_, err := m.Parse()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	require.NoError(t, ApplyEnv(cfg, map[string]string{
		"ADSYNC_LOG_LEVEL":             "debug",
		"ADSYNC_TELEGRAM_TOKEN":        "tg",
		"ADSYNC_OPS_TOKEN":             "ops",
		"ADSYNC_PAGERDUTY_ROUTING_KEY": "pd",
		"ADSYNC_WEBHOOK_URL":           "https://chat.example.com/hook",
		"ADSYNC_REDIS_URL":             "redis://localhost:6379/0",
	}))
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "tg", cfg.Telegram.Token)
	assert.Equal(t, "ops", cfg.Ops.Token)
	assert.Equal(t, "pd", cfg.Notifier.PagerDuty.RoutingKey)
	assert.Equal(t, "https://chat.example.com/hook", cfg.Notifier.Webhook.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Lock.RedisURL)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	p := writeFile(t, "adsync.yaml", "workflow:\n  name: ads\n")
	m := NewConfigManager(p)
	m.SetEnviron(map[string]string{})
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(p, []byte("workflow:\n  name: ads\n  schedule: \"30 6 * * *\"\n"), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)

	got := <-ch
	assert.Equal(t, "30 6 * * *", got.Workflow.ScheduleSpec())
}

func TestReloadValidatorRejects(t *testing.T) {
	p := writeFile(t, "adsync.yaml", "workflow:\n  name: ads\n")
	m := NewConfigManager(p)
	m.SetEnviron(map[string]string{})
	first, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(p, []byte("workflow:\n  name: other\n"), 0o600))
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Same(t, first, m.Get())
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	ApplyDefaults(oldCfg)
	newCfg := &Config{}
	ApplyDefaults(newCfg)
	newCfg.Ops.Token = "super-secret"
	spec := "0 11 * * *"
	newCfg.Workflow.Schedule = &spec

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"ops", "workflow"}, changed)
	assert.NotEmpty(t, attrs)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLoopbackAddr("127.0.0.1:8089"))
	assert.True(t, IsLoopbackAddr("localhost:1"))
	assert.True(t, IsLoopbackAddr("[::1]:80"))
	assert.False(t, IsLoopbackAddr(":8089"))
	assert.False(t, IsLoopbackAddr("10.0.0.2:8089"))
}
