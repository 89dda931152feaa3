package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/config"
	"adsync/internal/dispatch"
	"adsync/internal/storage"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestNextDefaultSchedule(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")
	out, err := executeCLI(t, "--config", path, "next", "-n", "2")
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "0 10 * * * (UTC)", string(lines[0]))
	for _, l := range lines[1:] {
		at, err := time.Parse(time.RFC3339, string(l))
		require.NoError(t, err)
		assert.Equal(t, 10, at.Hour())
		assert.Equal(t, 0, at.Minute())
	}
}

func TestNextScheduleOff(t *testing.T) {
	path := writeConfig(t, "workflow:\n  schedule: \"\"\n")
	out, err := executeCLI(t, "--config", path, "next")
	require.NoError(t, err)
	assert.Contains(t, out, "manual dispatch only")

	_, err = executeCLI(t, "--config", path, "next", "--count", "0")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		args    []string
		wantErr string
		wantOut string
	}{
		{name: "defaults", body: "{}\n", wantOut: `config ok: workflow "meta-ads-monitoring", schedule "0 10 * * *" (UTC)`},
		{name: "bad cron", body: "workflow:\n  schedule: \"every day\"\n", wantErr: "workflow.schedule"},
		{name: "unknown key", body: "nope: 1\n", wantErr: "unknown field"},
		{
			name:    "missing secrets",
			body:    "secrets:\n  providers:\n    - type: file\n      dir: /nonexistent-adsync-secrets\n",
			args:    []string{"--secrets"},
			wantErr: "unresolved secrets: ACCESS_TOKEN, SUPABASE_SERVICE_ROLE_KEY, SUPABASE_URL",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			out, err := executeCLI(t, append([]string{"--config", path, "validate"}, tt.args...)...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, tt.wantOut)
		})
	}
}

func TestHistoryListsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "runs.jsonl")
	path := writeConfig(t, fmt.Sprintf("storage:\n  driver: file\n  path: %q\n", journal))

	st, err := storage.Open(config.StorageConfig{Driver: "file", Path: journal}, logx.Nop())
	require.NoError(t, err)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"aaaaaaaa-1", "bbbbbbbb-2"} {
		run := workflow.NewRun("meta-ads-monitoring", workflow.TriggerSchedule, "cron", "")
		run.ID = id
		run.QueuedAt = base.Add(time.Duration(i) * 24 * time.Hour)
		run.Status = workflow.StatusSucceeded
		require.NoError(t, st.SaveRun(context.Background(), run))
	}
	require.NoError(t, st.Close())

	out, err := executeCLI(t, "--config", path, "history", "--json")
	require.NoError(t, err)
	var runs []workflow.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "bbbbbbbb-2", runs[0].ID)

	out, err = executeCLI(t, "--config", path, "history", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "bbbbbbbb")
	assert.NotContains(t, out, "aaaaaaaa")
}

func TestHistoryDisabled(t *testing.T) {
	path := writeConfig(t, "{}\n")
	_, err := executeCLI(t, "--config", path, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestRunExitCodes(t *testing.T) {
	code := func(v int) *int { return &v }
	tests := []struct {
		name string
		run  *workflow.Run
		err  error
		want int
	}{
		{"succeeded", &workflow.Run{Status: workflow.StatusSucceeded}, nil, 0},
		{"script exit", &workflow.Run{Status: workflow.StatusFailed, FailedStep: workflow.StepRunScript, ExitCode: code(7)}, errors.New("exit status 7"), 7},
		{"deps failure", &workflow.Run{Status: workflow.StatusFailed, FailedStep: workflow.StepInstallDeps, ExitCode: code(2)}, errors.New("pip"), 1},
		{"skipped", &workflow.Run{Status: workflow.StatusSkipped}, dispatch.ErrSkipped, 1},
		{"no run", nil, errors.New("no runner"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(runExit(tt.run, tt.err)))
		})
	}
}

func TestDescribeRun(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	exit := 7
	r := &workflow.Run{
		ID:         "run-1",
		Status:     workflow.StatusFailed,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		FailedStep: workflow.StepRunScript,
		ExitCode:   &exit,
		Error:      "run-script: exit status 7",
	}
	assert.Equal(t, "run run-1 failed in 1.5s at run-script (exit 7): run-script: exit status 7", describeRun(r))
}
