package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"adsync/internal/app"
	"adsync/internal/secrets"
	"adsync/internal/storage"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

func newNextCmd(opts *globalOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview the next schedule fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			next, err := app.NextFires(cfg, time.Now(), count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(next) == 0 {
				_, err = fmt.Fprintln(out, "schedule off; manual dispatch only")
				return err
			}
			fmt.Fprintf(out, "%s (%s)\n", cfg.Workflow.ScheduleSpec(), cfg.Workflow.Timezone)
			for _, t := range next {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := storage.Open(cfg.Storage, logx.Nop())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("run history is disabled (storage.driver is empty)")
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	return cmd
}

func writeRuns(w io.Writer, runs []*workflow.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tQUEUED\tDURATION\tEXIT\tFAILED STEP")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(time.Second).String()
		}
		step := "-"
		if r.FailedStep != "" {
			step = string(r.FailedStep)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ShortID(), r.Status, r.Trigger, r.QueuedAt.UTC().Format(time.RFC3339), dur, exit, step)
	}
	return tw.Flush()
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	var checkSecrets bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and, optionally, that every secret resolves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := secrets.Open(cfg.Secrets)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if checkSecrets {
				names := make([]string, 0, len(cfg.Job.Env))
				for _, secret := range cfg.Job.Env {
					names = append(names, secret)
				}
				sort.Strings(names)
				var missing []string
				for _, name := range names {
					if _, err := store.Get(cmd.Context(), name); err != nil {
						missing = append(missing, name)
					}
				}
				if len(missing) > 0 {
					return fmt.Errorf("unresolved secrets: %s", strings.Join(missing, ", "))
				}
				fmt.Fprintf(out, "secrets ok (%d)\n", len(names))
			}
			_, err = fmt.Fprintf(out, "config ok: workflow %q, schedule %q (%s)\n",
				cfg.Workflow.Name, cfg.Workflow.ScheduleSpec(), cfg.Workflow.Timezone)
			return err
		},
	}
	cmd.Flags().BoolVar(&checkSecrets, "secrets", false, "also resolve every secret the script needs")
	return cmd
}

func describeRun(r *workflow.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s %s", r.ID, r.Status)
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&b, " in %s", d.Round(time.Millisecond))
	}
	if r.Status == workflow.StatusFailed {
		if r.FailedStep != "" {
			fmt.Fprintf(&b, " at %s", r.FailedStep)
		}
		if r.ExitCode != nil {
			fmt.Fprintf(&b, " (exit %d)", *r.ExitCode)
		}
	}
	if r.Error != "" && r.Status != workflow.StatusSucceeded {
		fmt.Fprintf(&b, ": %s", r.Error)
	}
	return b.String()
}
