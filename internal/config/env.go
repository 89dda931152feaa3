package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are deployment knobs that should not live in the config file.
type envOverrides struct {
	LogLevel            string `env:"ADSYNC_LOG_LEVEL"`
	TelegramToken       string `env:"ADSYNC_TELEGRAM_TOKEN"`
	OpsToken            string `env:"ADSYNC_OPS_TOKEN"`
	PagerDutyRoutingKey string `env:"ADSYNC_PAGERDUTY_ROUTING_KEY"`
	WebhookURL          string `env:"ADSYNC_WEBHOOK_URL"`
	RedisURL            string `env:"ADSYNC_REDIS_URL"`
}

// ApplyEnv overlays ADSYNC_* variables onto cfg. A nil environ reads the process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	o, err := env.ParseAsWithOptions[envOverrides](env.Options{Environment: environ})
	if err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Ops.Token, o.OpsToken)
	set(&cfg.Notifier.PagerDuty.RoutingKey, o.PagerDutyRoutingKey)
	set(&cfg.Notifier.Webhook.URL, o.WebhookURL)
	set(&cfg.Lock.RedisURL, o.RedisURL)
	return nil
}
