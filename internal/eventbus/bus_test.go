package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	runs, unsubRuns := b.Subscribe(4, "run.")
	defer unsubRuns()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: RunFinished, Data: "r1"})
	b.Publish(Event{Type: "notifier.sent"})

	require.Len(t, runs, 1)
	e := <-runs
	assert.Equal(t, RunFinished, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, all, 2)
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: RunStep})
	}
	assert.Equal(t, uint64(4), Dropped(b))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: RunQueued})
}
