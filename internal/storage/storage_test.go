package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/config"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

func openDriver(t *testing.T, driver string) (Store, config.StorageConfig) {
	t.Helper()
	cfg := config.StorageConfig{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "runs.jsonl")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "runs.db")
	}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st, cfg
}

func testRun(id string, queued time.Time, status workflow.Status) *workflow.Run {
	return &workflow.Run{
		ID:       id,
		Workflow: "meta-ads-monitoring",
		Trigger:  workflow.TriggerSchedule,
		Status:   status,
		QueuedAt: queued,
	}
}

func TestStoreDrivers(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st, cfg := openDriver(t, driver)

			require.NoError(t, st.SaveRun(ctx, testRun("a", base, workflow.StatusRunning)))
			require.NoError(t, st.SaveRun(ctx, testRun("b", base.Add(24*time.Hour), workflow.StatusQueued)))
			require.NoError(t, st.SaveRun(ctx, testRun("c", base.Add(48*time.Hour), workflow.StatusSkipped)))

			done := testRun("a", base, workflow.StatusFailed)
			code := 2
			done.ExitCode = &code
			done.FinishedAt = base.Add(time.Minute)
			done.OutputTail = []string{"Traceback", "KeyError"}
			require.NoError(t, st.SaveRun(ctx, done))

			got, err := st.GetRun(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, workflow.StatusFailed, got.Status)
			require.NotNil(t, got.ExitCode)
			assert.Equal(t, 2, *got.ExitCode)
			assert.Equal(t, []string{"Traceback", "KeyError"}, got.OutputTail)

			_, err = st.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := st.ListRuns(ctx, 2)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "c", list[0].ID)
			assert.Equal(t, "b", list[1].ID)

			require.NoError(t, st.Close())

			reopened, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer reopened.Close()
			all, err := reopened.ListRuns(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "a", all[2].ID)
			assert.Equal(t, workflow.StatusFailed, all[2].Status)
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st, _ := openDriver(t, driver)
			defer st.Close()

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "failure:wf", until))

			got, ok, err := st.GetDedup(ctx, "failure:wf")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(until))

			_, ok, err = st.GetDedup(ctx, "other")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(config.StorageConfig{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(config.StorageConfig{Driver: "postgres"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}
