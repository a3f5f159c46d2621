package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackrun/pkg/config"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	jsonOutput bool

	version string
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "stackrun",
		Short: "stackrun - synthesize, plan and deploy infrastructure stacks",
		Long: `stackrun runs a project's synth command, then plans, deploys, destroys
or reads the outputs of one of the stacks it produced.

Stacks are planned and applied either with a local terraform binary or,
when a stack declares a remote backend, by the remote service.

Every run is recorded in a local history database, deploys and destroys
hold a per-stack lock, and plans can be checked against Rego policies.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.FileName, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSynthCommand(opts))
	rootCmd.AddCommand(newDiffCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts, applyDeploy))
	rootCmd.AddCommand(newApplyCommand(opts, applyDestroy))
	rootCmd.AddCommand(newOutputCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// withApp builds the app for a command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(a *app) error) (err error) {
	a, err := newApp(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func stackArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout(), version, commit, buildDate)
		},
	}
}

func printVersion(w io.Writer, version, commit, buildDate string) {
	fmt.Fprintf(w, "stackrun %s\n", version)
	fmt.Fprintf(w, "  commit: %s\n", commit)
	fmt.Fprintf(w, "  built:  %s\n", buildDate)
}
