package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/dispatch"
	"adsync/internal/metrics"
	"adsync/internal/task/engine"
	"adsync/internal/task/scheduler"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

type runnerFunc func(ctx context.Context, run *workflow.Run) error

func (f runnerFunc) Execute(ctx context.Context, run *workflow.Run) error { return f(ctx, run) }

func newDispatcher(t *testing.T, runner dispatch.Runner) *dispatch.Dispatcher {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return dispatch.New(dispatch.Options{Workflow: "meta-ads-monitoring"}, dispatch.Deps{Engine: eng, Runner: runner})
}

func succeed(_ context.Context, run *workflow.Run) error {
	code := 0
	run.Status = workflow.StatusSucceeded
	run.ExitCode = &code
	run.FinishedAt = time.Now().UTC()
	return nil
}

func do(t *testing.T, h http.Handler, method, target, body, remote string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if remote != "" {
		req.RemoteAddr = remote
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpenAndReportsNextFire(t *testing.T) {
	t.Parallel()
	next := time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)
	sched := func() scheduler.Snapshot {
		return scheduler.Snapshot{Enabled: true, Running: true, Timezone: "UTC",
			Schedules: []scheduler.ScheduleInfo{{Name: "meta-ads-monitoring", Spec: "0 10 * * *", Next: next}}}
	}
	s := New(Config{Token: "tok"}, newDispatcher(t, runnerFunc(succeed)), nil, sched, logx.Nop())

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	assert.False(t, got.Busy)
	require.NotNil(t, got.Next)
	assert.True(t, next.Equal(*got.Next))
}

func TestTokenGuardsAPI(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "tok"}, newDispatcher(t, runnerFunc(succeed)), metrics.New().Handler(), nil, logx.Nop()).Handler()

	tests := []struct {
		name   string
		target string
		hdr    []string
		want   int
	}{
		{"missing", "/v1/runs", nil, http.StatusUnauthorized},
		{"wrong bearer", "/v1/runs", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"same length bearer", "/v1/runs", []string{"Authorization", "Bearer tox"}, http.StatusUnauthorized},
		{"prefix bearer", "/v1/runs", []string{"Authorization", "Bearer to"}, http.StatusUnauthorized},
		{"same length query", "/v1/runs?token=tox", nil, http.StatusUnauthorized},
		{"bearer", "/v1/runs", []string{"Authorization", "Bearer tok"}, http.StatusOK},
		{"query", "/v1/runs?token=tok", nil, http.StatusOK},
		{"wrong query", "/v1/runs?token=x", []string{"Authorization", "Bearer tok"}, http.StatusUnauthorized},
		{"metrics", "/metrics?token=tok", nil, http.StatusOK},
		{"metrics missing", "/metrics", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "", "", tt.hdr...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestDispatchWaitReturnsRun(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, runnerFunc(succeed))
	h := New(Config{}, d, nil, nil, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/dispatch", `{"ref":"main","actor":"ops","wait":true}`, "127.0.0.1:5000")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run workflow.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, workflow.StatusSucceeded, run.Status)
	assert.Equal(t, workflow.TriggerManual, run.Trigger)
	assert.Equal(t, "main", run.Ref)
	assert.Equal(t, "ops", run.Actor)

	rec = do(t, h, http.MethodGet, "/v1/runs/"+run.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs?limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []*workflow.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, run.ID, list.Runs[0].ID)
}

func TestDispatchAcceptedThenConflict(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := newDispatcher(t, runnerFunc(func(ctx context.Context, run *workflow.Run) error {
		started <- struct{}{}
		<-release
		return succeed(ctx, run)
	}))
	defer close(release)
	h := New(Config{}, d, nil, nil, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/dispatch", "", "127.0.0.1:5000")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var acc map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.NotEmpty(t, acc["id"])
	<-started

	rec = do(t, h, http.MethodPost, "/v1/dispatch", "{}", "127.0.0.1:5001")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "skipped"`)
}

func TestDispatchRules(t *testing.T) {
	t.Parallel()
	h := New(Config{}, newDispatcher(t, runnerFunc(succeed)), nil, nil, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/dispatch", "{}", "10.1.2.3:4000")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/dispatch", `{"bogus":1}`, "127.0.0.1:4000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/dispatch", "", "127.0.0.1:4000")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs/does-not-exist", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/debug/pprof/", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServiceLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, newDispatcher(t, runnerFunc(succeed)), nil, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/debug/pprof/cmdline", s.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
	assert.False(t, s.Enabled())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	assert.ErrorContains(t, err, "insecure bind")
}
