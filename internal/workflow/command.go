package workflow

import (
	"context"
	"io"
	"os/exec"
	"time"
)

// Command is one child process invocation. Env is the complete environment;
// nothing is inherited implicitly.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Commander runs child processes. Tests substitute a recording fake.
type Commander interface {
	Run(ctx context.Context, cmd Command) error
	LookPath(file string) (string, error)
}

// ExecCommander runs commands with os/exec. The child is killed when ctx ends
// and its pipes are abandoned after WaitDelay.
type ExecCommander struct {
	WaitDelay time.Duration
}

func (e ExecCommander) Run(ctx context.Context, cmd Command) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	if c.Env == nil {
		c.Env = []string{}
	}
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	c.WaitDelay = e.WaitDelay
	if c.WaitDelay <= 0 {
		c.WaitDelay = 10 * time.Second
	}
	return c.Run()
}

func (ExecCommander) LookPath(file string) (string, error) { return exec.LookPath(file) }
