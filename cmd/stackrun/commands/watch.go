package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackrun/pkg/project"
	"github.com/openfroyo/stackrun/pkg/watch"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		diffOnly bool
		noInit   bool
	)

	cmd := &cobra.Command{
		Use:   "watch [stack]",
		Short: "Deploy a stack whenever project files change",
		Long: `Deploy one stack, then watch the project directory and deploy again
after every change. Deploys are auto-approved; use --diff to only plan.

The synth output directory and the history database are not watched.`,
		Example: `  # Redeploy web on every change
  stackrun watch web

  # Only show the plan on every change
  stackrun watch web --diff`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				r := newRenderer(cmd.OutOrStdout(), opts.jsonOutput, opts.verbose)
				logger := a.tel.Logger.NewComponentLogger("watch")

				start := project.StartEvent{
					Action:      project.ActionDeploy,
					Stack:       stackArg(args),
					AutoApprove: true,
				}
				if diffOnly {
					start = project.StartEvent{Action: project.ActionDiff, Stack: stackArg(args)}
				}

				w, err := watch.New(watch.Config{
					Root:   a.cfg.Dir,
					Ignore: watchIgnores(a.cfg.Dir, a.cfg.OutDir(), a.cfg.HistoryPath()),
				}, *logger.Zerolog())
				if err != nil {
					return err
				}

				ctx := cmd.Context()
				runOnce := func(ctx context.Context, _ []string) error {
					_, err := a.run(ctx, start, r)
					if errors.Is(err, ErrRunFailed) {
						// Already rendered; keep watching.
						return nil
					}
					return err
				}

				if !noInit {
					if err := runOnce(ctx, nil); err != nil && ctx.Err() == nil {
						logger.Zerolog().Error().Err(err).Msg("Initial run failed")
					}
				}
				return w.Run(ctx, runOnce)
			})
		},
	}

	cmd.Flags().BoolVar(&diffOnly, "diff", false, "only plan on every change")
	cmd.Flags().BoolVar(&noInit, "no-initial", false, "wait for the first change before running")
	return cmd
}

// watchIgnores returns the paths below root that a run writes to.
func watchIgnores(root string, paths ...string) []string {
	var ignores []string
	for _, p := range paths {
		if p == "" || !filepath.IsAbs(p) {
			continue
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		ignores = append(ignores, rel)
	}
	return ignores
}
