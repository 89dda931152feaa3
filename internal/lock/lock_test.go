package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/config"
	logx "adsync/pkg/logx"
)

func TestLocalExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLocal()

	lease, err := l.Obtain(ctx, "adsync:wf", time.Minute)
	require.NoError(t, err)
	_, err = l.Obtain(ctx, "adsync:wf", time.Minute)
	require.ErrorIs(t, err, ErrNotObtained)

	other, err := l.Obtain(ctx, "adsync:other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	_, err = l.Obtain(ctx, "adsync:wf", time.Minute)
	require.NoError(t, err)
}

func TestLocalExpiryAndStaleLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLocal()

	stale, err := l.Obtain(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := l.Obtain(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, stale.Refresh(ctx, time.Minute), ErrNotObtained)

	require.NoError(t, stale.Release(ctx))
	_, err = l.Obtain(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained, "stale release must not free the new holder")
	require.NoError(t, fresh.Release(ctx))
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     config.LockConfig
		wantErr string
		want    any
	}{
		{name: "default local", cfg: config.LockConfig{}, want: &Local{}},
		{name: "none", cfg: config.LockConfig{Driver: "none"}, want: noop{}},
		{name: "redis", cfg: config.LockConfig{Driver: "redis", RedisURL: "redis://127.0.0.1:6379/0"}, want: &Redis{}},
		{name: "bad redis url", cfg: config.LockConfig{Driver: "redis", RedisURL: "http://x"}, wantErr: "lock.redis_url"},
		{name: "unknown", cfg: config.LockConfig{Driver: "etcd"}, wantErr: "unknown lock driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Open(tt.cfg, logx.Nop())
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, l)
			_ = l.Close()
		})
	}
}

func TestHoldRefreshesUntilCanceled(t *testing.T) {
	t.Parallel()
	l := NewLocal()
	lease, err := l.Obtain(context.Background(), "k", 40*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Hold(ctx, lease, 40*time.Millisecond, logx.Nop())
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	_, err = l.Obtain(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)

	cancel()
	<-done
}
