package app

import (
	"time"

	"adsync/internal/config"
	"adsync/internal/task/engine"
	"adsync/internal/task/scheduler"
	logx "adsync/pkg/logx"
)

// scheduleName is the cron entry of the workflow.
const scheduleName = "workflow"

func logConfig(cfg *config.Config) logx.Config {
	thread := cfg.Logging.Telegram.ThreadID
	if thread == 0 {
		thread = cfg.Telegram.ThreadID
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Enabled,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   thread,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// engineConfig maps the queue in front of the pipeline. There is exactly one
// worker: runs of the workflow never execute in parallel in one process.
func engineConfig(cfg *config.Config) engine.Config {
	delay, _ := config.ParseDurationOrDefault("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay, 0)
	return engine.Config{
		Enabled:        true,
		Workers:        1,
		QueueSize:      cfg.TaskEngine.QueueSize,
		DefaultTimeout: cfg.Workflow.RunTimeout(),
		MaxQueueDelay:  delay,
		HistorySize:    cfg.TaskEngine.HistorySize,
	}
}

// schedulerConfig turns cron triggers off when the schedule is empty. Manual
// dispatch does not depend on the scheduler.
func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Workflow.ScheduleSpec() != "",
		Timezone: cfg.Workflow.Timezone,
	}
}

// NextFires previews the next n schedule fire times in the workflow timezone.
func NextFires(cfg *config.Config, from time.Time, n int) ([]time.Time, error) {
	spec := cfg.Workflow.ScheduleSpec()
	if spec == "" {
		return nil, nil
	}
	return scheduler.NextRuns(spec, from.In(cfg.Workflow.Location()), n)
}
