package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/transport"
	logx "adsync/pkg/logx"
)

type replies struct {
	mu  sync.Mutex
	got []string
}

func (r *replies) add(_ context.Context, _ transport.ChatTarget, text string) error {
	r.mu.Lock()
	r.got = append(r.got, text)
	r.mu.Unlock()
	return nil
}

func newTestBot(t *testing.T, owners ...int64) (*Bot, *replies) {
	t.Helper()
	b, err := newBot(Config{Token: "123:abc", Owners: owners}, logx.Nop(), true)
	require.NoError(t, err)
	r := &replies{}
	b.reply = r.add
	return b, r
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		ok   bool
		name string
		args []string
	}{
		{"/dispatch", true, "dispatch", []string{}},
		{"/Dispatch@adsync_bot main", true, "dispatch", []string{"main"}},
		{"  /runs  5 ", true, "runs", []string{"5"}},
		{"hello", false, "", nil},
		{"/", false, "", nil},
		{"/@bot", false, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cmd, ok := ParseCommand(tt.in)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.name, cmd.Name)
				assert.Equal(t, tt.args, cmd.Args)
			}
		})
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	b, r := newTestBot(t, 42)
	var calls int
	b.Handle("/dispatch", "run the workflow now", func(_ context.Context, cmd transport.Command) (string, error) {
		calls++
		return "queued " + strings.Join(cmd.Args, " "), nil
	})

	b.dispatch(context.Background(), transport.Command{Name: "dispatch", FromID: 7, Args: []string{"main"}})
	b.dispatch(context.Background(), transport.Command{Name: "dispatch", FromID: 42, Args: []string{"main"}})

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"⛔ not allowed", "queued main"}, r.got)
}

func TestCommandErrorsAndPanicsAreReported(t *testing.T) {
	t.Parallel()
	b, r := newTestBot(t, 1)
	b.Handle("boom", "", func(context.Context, transport.Command) (string, error) { panic("kaput") })
	b.Handle("fail", "", func(context.Context, transport.Command) (string, error) { return "", errors.New("no runner") })

	b.dispatch(context.Background(), transport.Command{Name: "boom", FromID: 1})
	b.dispatch(context.Background(), transport.Command{Name: "fail", FromID: 1})
	b.dispatch(context.Background(), transport.Command{Name: "unknown", FromID: 1})

	require.Len(t, r.got, 2)
	assert.Contains(t, r.got[0], "panic: kaput")
	assert.Equal(t, "⚠️ no runner", r.got[1])
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	b, r := newTestBot(t)
	b.Handle("status", "show the current run", func(context.Context, transport.Command) (string, error) { return "", nil })
	b.Handle("dispatch", "run the workflow now", func(context.Context, transport.Command) (string, error) { return "", nil })

	b.dispatch(context.Background(), transport.Command{Name: "help", FromID: 99})
	require.Len(t, r.got, 1)
	assert.Equal(t, "Commands:\n/dispatch - run the workflow now\n/status - show the current run", r.got[0])
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("ab\n", 10)
	parts := splitText(long, 9)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 9)
	}
	assert.Equal(t, strings.TrimRight(long, "\n"), strings.Join(parts, "\n"))

	assert.Equal(t, []string{"ééé", "éé"}, splitText("ééééé", 3))
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}
