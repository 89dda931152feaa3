package logx

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/transport"
)

type replaceRedactor struct{ secret string }

func (r replaceRedactor) Redact(s string) string { return strings.ReplaceAll(s, r.secret, "***") }

func TestServiceFileSinkRedacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adsync.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}, nil)
	t.Cleanup(func() { _ = svc.Close() })

	svc.SetRedactor(replaceRedactor{secret: "s3cr3t"})
	log.Info("token is s3cr3t", String("value", "s3cr3t-suffix"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, "token is ***")
	assert.Contains(t, out, "***-suffix")
}

func TestLoggerWithKeepsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Debug("hello", Int("n", 3))

	out := buf.String()
	assert.Contains(t, out, `"comp":"test"`)
	assert.Contains(t, out, `"n":3`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("dropped")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" info ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in, LevelInfo), in)
	}
	assert.True(t, ValidLevel(""))
	assert.False(t, ValidLevel("verbose"))
}

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"x","caller":"a.go:1","message":"run failed","run":"r1","exit_code":2}`)
	got := formatTelegramLine(line)
	assert.Equal(t, "[ERROR] run failed\n- exit_code=2\n- run=r1", got)

	assert.Equal(t, "plain text", formatTelegramLine([]byte("  plain text \n")))
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("ignored")
	log.Warn("delivered")

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Contains(t, sender.msgs[0], "[WARN] delivered")
}
