package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackrun/pkg/project"
)

func newOutputCommand(opts *globalOptions) *cobra.Command {
	var outputsFile string

	cmd := &cobra.Command{
		Use:     "output [stack]",
		Aliases: []string{"outputs"},
		Short:   "Print the outputs of a stack",
		Long: `Synthesize the project and read the current outputs of one stack.

Outputs are keyed by the construct that declared them. With --outputs-file
they are also written to a JSON file.`,
		Example: `  # Print outputs
  stackrun output web

  # Write outputs for another tool
  stackrun output web --outputs-file outputs.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				r := newRenderer(cmd.OutOrStdout(), opts.jsonOutput, opts.verbose)
				snap, err := a.run(cmd.Context(), project.StartEvent{
					Action: project.ActionOutput,
					Stack:  stackArg(args),
				}, r)
				if err != nil {
					return err
				}

				outputs := snap.Context.OutputsByConstructID
				if outputsFile != "" {
					if err := writeOutputs(outputsFile, outputs); err != nil {
						return err
					}
				}
				if !opts.jsonOutput {
					renderOutputs(cmd.OutOrStdout(), outputs)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&outputsFile, "outputs-file", "", "write outputs as JSON to this file")
	return cmd
}

func writeOutputs(path string, outputs map[string]interface{}) error {
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write outputs file: %w", err)
	}
	return nil
}
