package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/workflow"
)

func finishedRun(status workflow.Status, code int) *workflow.Run {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return &workflow.Run{
		ID:         "r1",
		Workflow:   "meta-ads-monitoring",
		Trigger:    workflow.TriggerSchedule,
		Status:     status,
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		ExitCode:   &code,
	}
}

func TestRunFinishedUpdatesSeries(t *testing.T) {
	t.Parallel()
	m := New()
	run := finishedRun(workflow.StatusSucceeded, 0)
	m.RunStarted(run)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunInProgress.WithLabelValues(run.Workflow)))

	m.RunFinished(run)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunInProgress.WithLabelValues(run.Workflow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(run.Workflow, "schedule", "succeeded")))
	assert.Equal(t, float64(run.FinishedAt.Unix()), testutil.ToFloat64(m.LastSuccess.WithLabelValues(run.Workflow)))

	failed := finishedRun(workflow.StatusFailed, 4)
	m.RunFinished(failed)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.LastExitCode.WithLabelValues(run.Workflow)))
	assert.Equal(t, float64(run.FinishedAt.Unix()), testutil.ToFloat64(m.LastSuccess.WithLabelValues(run.Workflow)))
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()
	m := New()
	m.RunFinished(finishedRun(workflow.StatusFailed, 1))
	m.NotificationSent("webhook", errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `adsync_runs_total{status="failed",trigger="schedule",workflow="meta-ads-monitoring"} 1`)
	assert.Contains(t, body, `adsync_notifications_total{result="error",sink="webhook"} 1`)
}
