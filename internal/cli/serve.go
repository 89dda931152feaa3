package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"adsync/internal/app"
	"adsync/internal/dispatch"
	"adsync/internal/workflow"
)

const stopTimeout = 30 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: schedule, ops server, notifications and chat commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

type runOptions struct {
	ref   string
	actor string
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow once in the foreground",
		Long:  "run performs one manual run and exits with the script's exit code when the script fails, or 1 for any other failure.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			run, err := a.RunOnce(cmd.Context(), dispatch.Request{Trigger: workflow.TriggerManual, Actor: ro.actor, Ref: ro.ref})
			if run != nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), describeRun(run))
			}
			return runExit(run, err)
		},
	}
	cmd.Flags().StringVar(&ro.ref, "ref", "", "git ref to check out instead of the configured one")
	cmd.Flags().StringVar(&ro.actor, "actor", "", "who triggered the run (default $USER)")
	return cmd
}

// runExit turns a finished run into the process status: the script's own
// exit code when it ran and failed, 1 for every other failure.
func runExit(run *workflow.Run, err error) error {
	if err == nil && run != nil && run.Status == workflow.StatusSucceeded {
		return nil
	}
	if errors.Is(err, dispatch.ErrSkipped) {
		return &ExitError{Code: 1, Err: err}
	}
	if run != nil && run.FailedStep == workflow.StepRunScript && run.ExitCode != nil && *run.ExitCode > 0 {
		return &ExitError{Code: *run.ExitCode, Err: fmt.Errorf("%s exited with code %d", workflow.StepRunScript, *run.ExitCode)}
	}
	if err == nil {
		err = errors.New("run did not succeed")
	}
	return &ExitError{Code: 1, Err: err}
}
