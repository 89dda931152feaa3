package notifier

import (
	"context"
	"time"

	"adsync/internal/config"
	"adsync/internal/workflow"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	NotifyOn        string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func ConfigFrom(n config.NotifierConfig) Config {
	base, _ := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	maxDelay, _ := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	window, _ := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Minute)
	return Config{
		Enabled:       n.Enabled,
		NotifyOn:      n.NotifyOn,
		Workers:       1,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
		PersistDedup:  true,
	}
}

// Kind says why a message was sent.
type Kind string

const (
	KindFailure  Kind = "failure"
	KindRecovery Kind = "recovery"
	KindSuccess  Kind = "success"
)

// Message is one notification about a finished run.
type Message struct {
	Kind     Kind
	Workflow string
	Title    string
	Text     string
	Run      *workflow.Run
}

// Resolves reports whether the message closes an open incident.
func (m Message) Resolves() bool { return m.Kind != KindFailure }

// Sink delivers messages to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Kind  Kind      `json:"kind"`
	RunID string    `json:"run_id,omitempty"`
	Title string    `json:"title"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind  Kind      `json:"kind"`
	RunID string    `json:"run_id,omitempty"`
	Sink  string    `json:"sink,omitempty"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
