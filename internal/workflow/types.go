package workflow

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Trigger is what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Status is a run (or step) state: queued -> running -> succeeded | failed.
// A trigger rejected by the overlap policy produces a skipped run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition happens.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

type StepName string

const (
	StepCheckout     StepName = "checkout"
	StepSetupRuntime StepName = "setup-runtime"
	StepInstallDeps  StepName = "install-deps"
	StepRunScript    StepName = "run-script"
)

// Steps lists the pipeline in execution order.
var Steps = []StepName{StepCheckout, StepSetupRuntime, StepInstallDeps, StepRunScript}

type StepResult struct {
	Name       StepName  `json:"name"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (s StepResult) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Run is one execution of the workflow. Runs are values: hand out copies via Clone.
type Run struct {
	ID       string  `json:"id"`
	Workflow string  `json:"workflow"`
	Trigger  Trigger `json:"trigger"`
	Actor    string  `json:"actor,omitempty"`
	Ref      string  `json:"ref,omitempty"`
	Status   Status  `json:"status"`

	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Commit      string   `json:"commit,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	FailedStep  StepName `json:"failed_step,omitempty"`
	FailureKind Kind     `json:"failure_kind,omitempty"`
	Error       string   `json:"error,omitempty"`

	Steps      []StepResult `json:"steps,omitempty"`
	OutputTail []string     `json:"output_tail,omitempty"`
}

// NewRun returns a queued run with a fresh ID.
func NewRun(workflow string, trigger Trigger, actor, ref string) *Run {
	return &Run{
		ID:       uuid.NewString(),
		Workflow: workflow,
		Trigger:  trigger,
		Actor:    actor,
		Ref:      ref,
		Status:   StatusQueued,
		QueuedAt: time.Now().UTC(),
	}
}

func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = slices.Clone(r.Steps)
	c.OutputTail = slices.Clone(r.OutputTail)
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	return &c
}

func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ShortID is the first block of the run ID, for chat and log lines.
func (r *Run) ShortID() string {
	if len(r.ID) >= 8 {
		return r.ID[:8]
	}
	return r.ID
}

func intPtr(v int) *int { return &v }
