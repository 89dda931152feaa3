package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies why a run failed.
type Kind string

const (
	KindCheckout     Kind = "checkout"
	KindRuntime      Kind = "runtime"
	KindDependencies Kind = "dependencies"
	KindScript       Kind = "script"
)

// KindOf maps a step to its failure kind.
func KindOf(step StepName) Kind {
	switch step {
	case StepCheckout:
		return KindCheckout
	case StepSetupRuntime:
		return KindRuntime
	case StepInstallDeps:
		return KindDependencies
	default:
		return KindScript
	}
}

// StepError is the error returned for a failed run. ExitCode is set when a
// child process exited non-zero.
type StepError struct {
	Step     StepName
	Kind     Kind
	ExitCode *int
	Err      error
}

// Error leaves the exit status to the wrapped error, which already reports it.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step StepName, err error) *StepError {
	se := &StepError{Step: step, Kind: KindOf(step), Err: err}
	if code, ok := ExitCode(err); ok {
		se.ExitCode = intPtr(code)
	}
	return se
}

// AsStepError unwraps err into a *StepError.
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ExitCode extracts a process exit code from err (e.g. *exec.ExitError).
// Processes killed by a signal report no code.
func ExitCode(err error) (int, bool) {
	var ec interface{ ExitCode() int }
	if err == nil || !errors.As(err, &ec) {
		return 0, false
	}
	code := ec.ExitCode()
	if code < 0 {
		return 0, false
	}
	return code, true
}
