// Package cli is the adsync command line: the daemon, one-shot runs and a few
// read-only inspection commands.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"adsync/internal/config"
)

// Version is stamped at build time with -ldflags "-X adsync/internal/cli.Version=...".
var Version = "dev"

const defaultConfigPath = "./adsync.yaml"

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

type globalOptions struct {
	configPath string
}

func (o *globalOptions) bind(fs *pflag.FlagSet) {
	def := defaultConfigPath
	if env := os.Getenv("ADSYNC_CONFIG"); env != "" {
		def = env
	}
	fs.StringVarP(&o.configPath, "config", "c", def, "path to the config file (yaml or json); env ADSYNC_CONFIG")
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	return config.NewConfigManager(o.configPath).Load()
}

func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "adsync",
		Short:         "Scheduled Meta Ads monitoring runner",
		Long:          "adsync checks out the monitoring job, prepares Python, installs its requirements and runs meta_ads_monitoring.py daily or on demand.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newNextCmd(opts),
		newHistoryCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
