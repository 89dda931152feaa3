package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PagerDuty/go-pagerduty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/eventbus"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

type recordSink struct {
	name  string
	mu    sync.Mutex
	got   []Message
	fails atomic.Int32
}

func (r *recordSink) Name() string { return r.name }

func (r *recordSink) Send(_ context.Context, m Message) error {
	if r.fails.Load() > 0 {
		r.fails.Add(-1)
		return errors.New("transient")
	}
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	return nil
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func failedRun(id string) *workflow.Run {
	code := 1
	return &workflow.Run{
		ID: id, Workflow: "meta-ads-monitoring", Trigger: workflow.TriggerSchedule,
		Status: workflow.StatusFailed, FailedStep: workflow.StepRunScript, FailureKind: workflow.KindScript,
		ExitCode: &code, OutputTail: []string{"Traceback (most recent call last):", "KeyError: 'data'"},
	}
}

func okRun(id string) *workflow.Run {
	code := 0
	return &workflow.Run{ID: id, Workflow: "meta-ads-monitoring", Trigger: workflow.TriggerSchedule, Status: workflow.StatusSucceeded, ExitCode: &code}
}

func startService(t *testing.T, cfg Config, sinks ...Sink) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, logx.Nop(), eventbus.New(), nil, nil, sinks...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestDecidePolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy string
		runs   []*workflow.Run
		want   []Kind
	}{
		{"failure", []*workflow.Run{okRun("1"), failedRun("2"), failedRun("3"), okRun("4"), okRun("5")}, []Kind{KindFailure, KindFailure, KindRecovery}},
		{"always", []*workflow.Run{okRun("1"), failedRun("2"), okRun("3")}, []Kind{KindSuccess, KindFailure, KindRecovery}},
		{"never", []*workflow.Run{failedRun("1"), okRun("2")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			w := NewWatcher(New(Config{NotifyOn: tt.policy}, logx.Nop(), nil, nil, nil), logx.Nop())
			var got []Kind
			for _, r := range tt.runs {
				if m, ok := w.Decide(r); ok {
					got = append(got, m.Kind)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}

	w := NewWatcher(New(Config{}, logx.Nop(), nil, nil, nil), logx.Nop())
	_, ok := w.Decide(&workflow.Run{Workflow: "wf", Status: workflow.StatusSkipped})
	assert.False(t, ok)
}

func TestBuildMessageFailure(t *testing.T) {
	t.Parallel()
	m := BuildMessage(KindFailure, failedRun("abc"))
	assert.Equal(t, "❌ meta-ads-monitoring failed at run-script", m.Title)
	assert.Contains(t, m.Text, "exit code: 1")
	assert.Contains(t, m.Text, "KeyError: 'data'")
	assert.False(t, m.Resolves())
	assert.True(t, BuildMessage(KindRecovery, okRun("x")).Resolves())
}

func TestServiceFansOutAndRetries(t *testing.T) {
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b"}
	b.fails.Store(1)
	s := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, a, b)

	require.NoError(t, s.Notify(context.Background(), BuildMessage(KindFailure, failedRun("r1"))))
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.count(), "successful sink must not be retried")
}

func TestServiceDedup(t *testing.T) {
	a := &recordSink{name: "a"}
	s := startService(t, Config{DedupWindow: time.Minute}, a)
	m := BuildMessage(KindFailure, failedRun("r1"))
	require.NoError(t, s.Notify(context.Background(), m))
	require.NoError(t, s.Notify(context.Background(), m))
	require.NoError(t, s.Notify(context.Background(), BuildMessage(KindFailure, failedRun("r2"))))
	require.Eventually(t, func() bool { return a.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, a.count())
}

func TestServiceDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{Enabled: false}, logx.Nop(), nil, nil, nil)
	assert.ErrorIs(t, off.Notify(context.Background(), Message{Kind: KindFailure}), ErrDisabled)

	idle := New(Config{Enabled: true}, logx.Nop(), nil, nil, nil)
	assert.ErrorIs(t, idle.Notify(context.Background(), Message{Kind: KindFailure}), ErrStopped)
}

func TestWatcherNotifiesOnFinishedEvent(t *testing.T) {
	bus := eventbus.New()
	a := &recordSink{name: "a"}
	s := startService(t, Config{}, a)
	w := NewWatcher(s, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: failedRun("only")})
		return a.count() >= 1
	}, 2*time.Second, 20*time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, KindFailure, a.got[0].Kind)
}

func TestWebhookSinkPostsJSONChunks(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "application/json; charset=UTF-8", r.Header.Get("Content-Type"))
		mu.Lock()
		texts = append(texts, body["text"])
		mu.Unlock()
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, logx.Nop())
	long := strings.Repeat("line of output\n", 400)
	require.NoError(t, sink.Send(context.Background(), Message{Kind: KindFailure, Text: long}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, texts, 2)
	for _, tx := range texts {
		assert.LessOrEqual(t, len(tx), maxChunk)
	}
}

func TestWebhookSinkResumesAfterPartialFailure(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		texts = append(texts, body["text"])
		n := len(texts)
		mu.Unlock()
		if n == 2 {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, logx.Nop())
	msg := Message{Kind: KindFailure, Text: strings.Repeat("line of output\n", 400)}
	parts := chunk(msg.Text, maxChunk)
	require.Len(t, parts, 2)

	require.Error(t, sink.Send(context.Background(), msg))
	require.NoError(t, sink.Send(context.Background(), msg))

	mu.Lock()
	assert.Equal(t, []string{parts[0], parts[1], parts[1]}, texts)
	mu.Unlock()

	// Once fully delivered, the same text is a new message.
	require.NoError(t, sink.Send(context.Background(), msg))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{parts[0], parts[1], parts[1], parts[0], parts[1]}, texts)
}

func TestWebhookSinkRejectsBadStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	err := NewWebhookSink(srv.URL, time.Second, logx.Nop()).Send(context.Background(), Message{Text: "x"})
	assert.ErrorContains(t, err, "unexpected status")
}

func TestPagerDutyTriggerAndResolve(t *testing.T) {
	t.Parallel()
	var events []pagerduty.V2Event
	sink := &PagerDutySink{routingKey: "rk", severity: "error", source: "adsync",
		manage: func(_ context.Context, e pagerduty.V2Event) (*pagerduty.V2EventResponse, error) {
			events = append(events, e)
			return &pagerduty.V2EventResponse{Status: "success"}, nil
		}}

	require.NoError(t, sink.Send(context.Background(), BuildMessage(KindFailure, failedRun("r1"))))
	require.NoError(t, sink.Send(context.Background(), BuildMessage(KindSuccess, okRun("r2"))))
	require.NoError(t, sink.Send(context.Background(), BuildMessage(KindRecovery, okRun("r3"))))

	require.Len(t, events, 2)
	assert.Equal(t, "trigger", events[0].Action)
	assert.Equal(t, "adsync/meta-ads-monitoring", events[0].DedupKey)
	require.NotNil(t, events[0].Payload)
	assert.Equal(t, "error", events[0].Payload.Severity)
	assert.Equal(t, "resolve", events[1].Action)
	assert.Equal(t, events[0].DedupKey, events[1].DedupKey)
}

func TestChunkKeepsLines(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, chunk("short", 10))
	assert.Equal(t, []string{"aaaa", "bbbb"}, chunk("aaaa\nbbbb", 6))
	assert.Equal(t, []string{"abcdef", "gh"}, chunk("abcdefgh", 6))
}
