package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"adsync/internal/config"
	"adsync/internal/secrets"
	logx "adsync/pkg/logx"
)

// Spec is the resolved pipeline definition.
type Spec struct {
	Workflow string

	Repository string
	Ref        string
	Dir        string
	Depth      int
	Clean      bool

	PythonVersion string
	Interpreter   string
	Venv          bool

	Manifest   string
	UpgradePip bool

	Script     string
	Args       []string
	Env        map[string]string // child variable -> secret name
	InheritEnv []string
	TailLines  int

	CheckoutTimeout time.Duration
	RuntimeTimeout  time.Duration
	DepsTimeout     time.Duration
	ScriptTimeout   time.Duration
}

// SpecFromConfig resolves a defaulted config into a Spec.
func SpecFromConfig(cfg *config.Config) Spec {
	env := make(map[string]string, len(cfg.Job.Env))
	for k, v := range cfg.Job.Env {
		env[k] = v
	}
	return Spec{
		Workflow:        cfg.Workflow.Name,
		Repository:      strings.TrimSpace(cfg.Checkout.Repository),
		Ref:             strings.TrimSpace(cfg.Checkout.Ref),
		Dir:             cfg.Checkout.Dir,
		Depth:           cfg.Checkout.Depth,
		Clean:           cfg.Checkout.CleanEnabled(),
		PythonVersion:   cfg.Runtime.Version,
		Interpreter:     strings.TrimSpace(cfg.Runtime.Interpreter),
		Venv:            cfg.Runtime.VenvEnabled(),
		Manifest:        cfg.Deps.Manifest,
		UpgradePip:      cfg.Deps.UpgradePipEnabled(),
		Script:          cfg.Job.Script,
		Args:            append([]string(nil), cfg.Job.Args...),
		Env:             env,
		InheritEnv:      append([]string(nil), cfg.Job.InheritEnv...),
		TailLines:       cfg.Job.TailLines,
		CheckoutTimeout: cfg.Checkout.StepTimeout(),
		RuntimeTimeout:  cfg.Runtime.StepTimeout(),
		DepsTimeout:     cfg.Deps.StepTimeout(),
		ScriptTimeout:   cfg.Job.StepTimeout(),
	}
}

// Redactor masks secret values in captured output.
type Redactor interface {
	Add(values ...string)
	Redact(s string) string
	Longest() int
}

// StepHook observes step transitions (running, then a terminal status).
type StepHook func(run *Run, step StepResult)

type Pipeline struct {
	spec     Spec
	cmd      Commander
	secrets  secrets.Store
	redactor Redactor
	log      logx.Logger
	onStep   StepHook
	environ  func() []string
}

type Option func(*Pipeline)

func WithRedactor(r Redactor) Option   { return func(p *Pipeline) { p.redactor = r } }
func WithLogger(log logx.Logger) Option { return func(p *Pipeline) { p.log = log } }
func WithStepHook(h StepHook) Option    { return func(p *Pipeline) { p.onStep = h } }

// WithEnviron replaces os.Environ as the source of inherited variables.
func WithEnviron(fn func() []string) Option { return func(p *Pipeline) { p.environ = fn } }

func NewPipeline(spec Spec, cmd Commander, store secrets.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		spec:     spec,
		cmd:      cmd,
		secrets:  store,
		redactor: secrets.NewRedactor(),
		log:      logx.Nop(),
		environ:  os.Environ,
	}
	for _, o := range opts {
		o(p)
	}
	if p.cmd == nil {
		p.cmd = ExecCommander{}
	}
	return p
}

func (p *Pipeline) Spec() Spec { return p.spec }

// workspace carries state produced by earlier steps.
type workspace struct {
	dir    string
	python string
	venv   string
	tail   *tail
}

// Execute runs every step in order on run, stopping at the first failure.
// It sets the terminal status, finish time, exit code and failure details on
// run and returns the *StepError of the failing step.
func (p *Pipeline) Execute(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = StatusRunning
	if strings.TrimSpace(run.Ref) == "" {
		run.Ref = p.spec.Ref
	}
	log := p.log.With(logx.String("run", run.ShortID()), logx.String("workflow", run.Workflow))

	ws := &workspace{dir: p.spec.Dir, tail: newTail(p.spec.TailLines)}
	steps := []struct {
		name    StepName
		timeout time.Duration
		fn      func(ctx context.Context, run *Run, ws *workspace, log logx.Logger) error
	}{
		{StepCheckout, p.spec.CheckoutTimeout, p.checkout},
		{StepSetupRuntime, p.spec.RuntimeTimeout, p.setupRuntime},
		{StepInstallDeps, p.spec.DepsTimeout, p.installDeps},
		{StepRunScript, p.spec.ScriptTimeout, p.runScript},
	}

	var failure *StepError
	for _, st := range steps {
		res := StepResult{Name: st.name, Status: StatusRunning, StartedAt: time.Now().UTC()}
		run.Steps = append(run.Steps, res)
		p.hook(run, res)
		slog := log.With(logx.String("step", string(st.name)))
		slog.Info("step started")

		sctx, cancel := ctx, context.CancelFunc(func() {})
		if st.timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, st.timeout)
		}
		err := st.fn(sctx, run, ws, slog)
		if err != nil && sctx.Err() != nil {
			err = fmt.Errorf("%w: %w", contextReason(sctx), err)
		}
		cancel()

		res.FinishedAt = time.Now().UTC()
		if err != nil {
			failure = stepErr(st.name, err)
			res.Status = StatusFailed
			res.ExitCode = failure.ExitCode
			res.Error = p.redact(failure.Err.Error())
		} else {
			res.Status = StatusSucceeded
		}
		run.Steps[len(run.Steps)-1] = res
		p.hook(run, res)

		if failure != nil {
			slog.Error("step failed", logx.Duration("took", res.Duration()), logx.String("err", res.Error))
			break
		}
		slog.Info("step succeeded", logx.Duration("took", res.Duration()))
	}

	run.FinishedAt = time.Now().UTC()
	run.OutputTail = ws.tail.snapshot()
	if failure == nil {
		run.Status = StatusSucceeded
		run.ExitCode = intPtr(0)
		log.Info("run succeeded", logx.Duration("took", run.Duration()), logx.String("commit", run.Commit))
		return nil
	}
	run.Status = StatusFailed
	run.ExitCode = failure.ExitCode
	run.FailedStep = failure.Step
	run.FailureKind = failure.Kind
	run.Error = p.redact(failure.Error())
	log.Error("run failed",
		logx.String("failed_step", string(failure.Step)),
		logx.String("kind", string(failure.Kind)),
		logx.Duration("took", run.Duration()),
	)
	return failure
}

func contextReason(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.New("step timed out")
	}
	return errors.New("run canceled")
}

func (p *Pipeline) hook(run *Run, step StepResult) {
	if p.onStep != nil {
		p.onStep(run, step)
	}
}

func (p *Pipeline) redact(s string) string {
	if p.redactor == nil {
		return s
	}
	return p.redactor.Redact(s)
}

// holdback keeps enough of an unterminated line buffered to match the
// longest secret across writes.
func (p *Pipeline) holdback() int {
	if p.redactor == nil {
		return 0
	}
	return max(p.redactor.Longest()-1, 0)
}

func (p *Pipeline) outputWriter(log logx.Logger, ws *workspace, stream string) *lineWriter {
	return &lineWriter{log: log, redact: p.redact, holdback: p.holdback, tail: ws.tail, stream: stream}
}

// exec runs one child with output captured into the run tail.
func (p *Pipeline) exec(ctx context.Context, ws *workspace, log logx.Logger, name string, args []string, env []string) error {
	stdout := p.outputWriter(log, ws, "stdout")
	stderr := p.outputWriter(log, ws, "stderr")
	err := p.cmd.Run(ctx, Command{Name: name, Args: args, Dir: ws.dir, Env: env, Stdout: stdout, Stderr: stderr})
	stdout.Flush()
	stderr.Flush()
	return err
}
