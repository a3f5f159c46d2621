package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackrun/pkg/project"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

func newSynthCommand(opts *globalOptions) *cobra.Command {
	var graph bool

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize the project",
		Long: `Run the configured synth command and list the stacks it wrote.

Synthesis diagnostics are reported as warnings and errors.`,
		Example: `  # Synthesize with the command from stackrun.yaml
  stackrun synth

  # Print the run result as JSON
  stackrun synth --json

  # Render stack dependencies with Graphviz
  stackrun synth --graph | dot -Tsvg > stacks.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				out := cmd.OutOrStdout()
				if graph {
					// Keep stdout clean for the DOT document.
					out = io.Discard
				}
				r := newRenderer(out, opts.jsonOutput, opts.verbose)
				snap, err := a.runTo(cmd.Context(), project.StartEvent{Action: project.ActionSynth}, r, out)
				if err != nil || !graph {
					return err
				}

				g, err := stacks.BuildGraph(snap.Context.SynthesizedStacks)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), g.ToDOT())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&graph, "graph", false, "print the stack dependency graph in DOT format")
	return cmd
}

func newDiffCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff [stack]",
		Short: "Show the changes a deploy would make",
		Long: `Synthesize the project and plan one stack.

The stack may be omitted when the project has exactly one.`,
		Example: `  # Plan the only stack
  stackrun diff

  # Plan a named stack
  stackrun diff network`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				r := newRenderer(cmd.OutOrStdout(), opts.jsonOutput, opts.verbose)
				snap, err := a.run(cmd.Context(), project.StartEvent{
					Action: project.ActionDiff,
					Stack:  stackArg(args),
				}, r)
				if err == nil && !opts.jsonOutput {
					c := snap.Context
					fmt.Fprintln(cmd.OutOrStdout(), renderPlan(c.ResolvedStack, c.TargetStackPlan))
				}
				return err
			})
		},
	}
}

type applyKind struct {
	action project.Action
	short  string
	long   string
}

var (
	applyDeploy = applyKind{
		action: project.ActionDeploy,
		short:  "Deploy a stack",
		long: `Synthesize the project, plan one stack and apply the plan.

The plan is shown and must be approved unless --auto-approve is set. A plan
without changes completes without asking.`,
	}
	applyDestroy = applyKind{
		action: project.ActionDestroy,
		short:  "Destroy a stack",
		long: `Synthesize the project, plan the teardown of one stack and destroy it.

The plan is shown and must be approved unless --auto-approve is set.`,
	}
)

func newApplyCommand(opts *globalOptions, kind applyKind) *cobra.Command {
	var autoApprove bool

	name := string(kind.action)
	cmd := &cobra.Command{
		Use:   name + " [stack]",
		Short: kind.short,
		Long:  kind.long,
		Example: "  # Ask before applying\n  stackrun " + name + " web\n\n" +
			"  # Apply without asking\n  stackrun " + name + " web --auto-approve",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				r := newRenderer(cmd.OutOrStdout(), opts.jsonOutput, opts.verbose)
				_, err := a.run(cmd.Context(), project.StartEvent{
					Action:      kind.action,
					Stack:       stackArg(args),
					AutoApprove: autoApprove,
				}, r)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	return cmd
}
