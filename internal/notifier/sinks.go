package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PagerDuty/go-pagerduty"
	"github.com/hashicorp/go-retryablehttp"

	"adsync/internal/config"
	"adsync/internal/transport"
	logx "adsync/pkg/logx"
)

// maxChunk keeps each chat/webhook message under the usual 4096 limits.
const maxChunk = 4000

// maxPartial bounds how many partly delivered webhook messages are remembered.
const maxPartial = 32

// BuildSinks creates the sinks enabled in cfg. sender may be nil when the
// chat transport is off.
func BuildSinks(cfg *config.Config, sender transport.Sender, log logx.Logger) []Sink {
	n := cfg.Notifier
	var out []Sink
	if n.Telegram.Enabled && sender != nil && n.Telegram.ChatID != 0 {
		out = append(out, NewTelegramSink(sender, transport.ChatTarget{ChatID: n.Telegram.ChatID, ThreadID: n.Telegram.ThreadID}))
	}
	if n.Webhook.Enabled && strings.TrimSpace(n.Webhook.URL) != "" {
		timeout, _ := config.ParseDurationOrDefault("notifier.webhook.timeout", n.Webhook.Timeout, 10*time.Second)
		out = append(out, NewWebhookSink(n.Webhook.URL, timeout, log))
	}
	if n.PagerDuty.Enabled && strings.TrimSpace(n.PagerDuty.RoutingKey) != "" {
		out = append(out, NewPagerDutySink(n.PagerDuty))
	}
	return out
}

// TelegramSink posts to one chat (and topic thread) through the bot.
type TelegramSink struct {
	sender transport.Sender
	target transport.ChatTarget
}

func NewTelegramSink(sender transport.Sender, target transport.ChatTarget) *TelegramSink {
	return &TelegramSink{sender: sender, target: target}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, m Message) error {
	return t.sender.SendText(ctx, t.target, m.Text, &transport.SendOptions{DisablePreview: true})
}

// WebhookSink posts {"text": ...} JSON, the format chat webhooks such as
// Google Chat and Slack accept.
//
// A multi-chunk message that fails part way is resumed from the first
// undelivered chunk when the same message is sent again.
type WebhookSink struct {
	url    string
	client *retryablehttp.Client

	mu        sync.Mutex
	delivered map[string]int // message text -> chunks already posted
}

func NewWebhookSink(url string, timeout time.Duration, log logx.Logger) *WebhookSink {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Debug("webhook retry", logx.String("host", req.URL.Host), logx.Int("attempt", attempt))
		}
	}
	return &WebhookSink{url: url, client: c, delivered: make(map[string]int)}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, m Message) error {
	parts := chunk(m.Text, maxChunk)
	for i := w.resumeAt(m.Text); i < len(parts); i++ {
		if err := w.post(ctx, parts[i]); err != nil {
			w.markDelivered(m.Text, i, len(parts))
			return err
		}
	}
	w.markDelivered(m.Text, len(parts), len(parts))
	return nil
}

func (w *WebhookSink) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}
	return nil
}

func (w *WebhookSink) resumeAt(text string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.delivered[text]
}

// markDelivered records that the first n of total chunks of text are posted.
// Fully delivered messages are forgotten so a later identical one goes out again.
func (w *WebhookSink) markDelivered(text string, n, total int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 || n >= total {
		delete(w.delivered, text)
		return
	}
	if _, ok := w.delivered[text]; !ok && len(w.delivered) >= maxPartial {
		clear(w.delivered)
	}
	w.delivered[text] = n
}

// ManageEventFunc sends one Events API v2 event.
type ManageEventFunc func(ctx context.Context, e pagerduty.V2Event) (*pagerduty.V2EventResponse, error)

// PagerDutySink triggers an incident on failure and resolves it on recovery.
// The dedup key is per workflow so repeated failures fold into one incident.
type PagerDutySink struct {
	routingKey string
	severity   string
	source     string
	manage     ManageEventFunc
}

func NewPagerDutySink(cfg config.NotifierPagerDuty) *PagerDutySink {
	var opts []pagerduty.ClientOptions
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		opts = append(opts, pagerduty.WithV2EventsAPIEndpoint(ep))
	}
	client := pagerduty.NewClient("", opts...)
	return &PagerDutySink{
		routingKey: cfg.RoutingKey,
		severity:   cfg.Severity,
		source:     cfg.Source,
		manage: func(ctx context.Context, e pagerduty.V2Event) (*pagerduty.V2EventResponse, error) {
			return client.ManageEventWithContext(ctx, &e)
		},
	}
}

func (p *PagerDutySink) Name() string { return "pagerduty" }

func (p *PagerDutySink) Send(ctx context.Context, m Message) error {
	if m.Kind == KindSuccess {
		return nil
	}
	ev := pagerduty.V2Event{
		RoutingKey: p.routingKey,
		DedupKey:   "adsync/" + m.Workflow,
		Client:     "adsync",
	}
	if m.Resolves() {
		ev.Action = "resolve"
	} else {
		ev.Action = "trigger"
		details := map[string]any{}
		if m.Run != nil {
			details["run_id"] = m.Run.ID
			details["trigger"] = string(m.Run.Trigger)
			details["failed_step"] = string(m.Run.FailedStep)
			details["failure_kind"] = string(m.Run.FailureKind)
			if m.Run.ExitCode != nil {
				details["exit_code"] = *m.Run.ExitCode
			}
			details["output_tail"] = strings.Join(lastN(m.Run.OutputTail, tailInMessage), "\n")
		}
		ev.Payload = &pagerduty.V2Payload{
			Summary:   m.Title,
			Source:    p.source,
			Severity:  p.severity,
			Component: m.Workflow,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Details:   details,
		}
	}
	_, err := p.manage(ctx, ev)
	return err
}
