package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/eventbus"
	logx "adsync/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestOverlapSkipSharesState(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "wf", Overlap: OverlapSkipIfRunning, State: st, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	assert.True(t, st.Busy())

	err := s.Enqueue(Task{Name: "wf", Overlap: OverlapSkipIfRunning, State: st, Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrOverlapSkip)

	close(release)
	require.Eventually(t, func() bool { return !st.Busy() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Enqueue(Task{Name: "wf", Overlap: OverlapSkipIfRunning, State: st, Run: func(context.Context) error { return nil }}))
}

func TestOverlapAllowQueuesBehindRunning(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 2; i++ {
		i := i
		require.NoError(t, s.Enqueue(Task{Name: "wf", Run: func(context.Context) error {
			order = append(order, i)
			if i == 2 {
				close(done)
			}
			return nil
		}}))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task never ran")
	}
	assert.Equal(t, []int{1, 2}, order)
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bad") }}))
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.Snapshot().History[0].Error, "panic: bad")

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { ran.Store(true); return nil }}))
	require.Eventually(t, ran.Load, 2*time.Second, 10*time.Millisecond)
}

func TestTimeoutCancelsTask(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	errCh := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}}))
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not applied")
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{Enabled: false}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, idle.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestStopDropsQueuedTasks(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "first", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}}))
	<-started

	dropped := make(chan error, 1)
	st := &RunState{}
	require.NoError(t, s.Enqueue(Task{Name: "second", Overlap: OverlapSkipIfRunning, State: st, Run: func(context.Context) error { return nil }, OnDrop: func(reason error) { dropped <- reason }}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	select {
	case reason := <-dropped:
		assert.ErrorIs(t, reason, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("queued task was not dropped")
	}
	assert.False(t, st.Busy())
}
