package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackrun/pkg/config"
	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		errors bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs",
		Long: `List the runs recorded in the history database, newest first.

With a run id, print the events recorded for that run instead.`,
		Example: `  # Last 20 runs
  stackrun history

  # Events of one run
  stackrun history 6f1c2a4e-0f7b-4d3f-9a55-0d1f3c1b2e7a --errors`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			path := cfg.HistoryPath()
			if path == "" {
				return engine.NewUsageError("run history is disabled (history.path is empty)", nil)
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				var level *stores.EventLevel
				if errors {
					l := stores.EventLevelError
					level = &l
				}
				events, err := store.GetEvents(ctx, args[0], level, 0, 0)
				if err != nil {
					return err
				}
				return printEvents(out, opts.jsonOutput, events)
			}

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			return printRuns(out, opts.jsonOutput, runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&errors, "errors", false, "only show error events of a run")
	return cmd
}

func printRuns(w io.Writer, jsonMode bool, runs []*stores.Run) error {
	if jsonMode {
		return json.NewEncoder(w).Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, prefixStyle.Render("No runs recorded."))
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))).
		Headers("RUN", "ACTION", "STACK", "STATUS", "STARTED", "DURATION", "MESSAGE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle()
		})

	for _, run := range runs {
		message := ""
		if run.Message != nil {
			message = truncate(*run.Message, 60)
		}
		duration := "-"
		if run.CompletedAt != nil {
			duration = run.Duration().Round(time.Second).String()
		}
		t.Row(
			shortID(run.ID),
			run.Action,
			run.Stack,
			statusText(run.Status),
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			message,
		)
	}

	fmt.Fprintln(w, t.Render())
	return nil
}

func printEvents(w io.Writer, jsonMode bool, events []*stores.Event) error {
	if jsonMode {
		return json.NewEncoder(w).Encode(events)
	}
	for _, e := range events {
		msg := e.Message
		if e.Level == stores.EventLevelError {
			msg = errorStyle.Render(msg)
		}
		fmt.Fprintf(w, "%s %s %s\n",
			prefixStyle.Render(e.Timestamp.Local().Format("15:04:05")),
			prefixStyle.Render(fmt.Sprintf("%-15s", e.Type)),
			msg)
	}
	return nil
}

func statusText(s stores.RunStatus) string {
	switch s {
	case stores.RunStatusSucceeded:
		return okStyle.Render(string(s))
	case stores.RunStatusFailed:
		return errorStyle.Render(string(s))
	case stores.RunStatusInterrupted:
		return warnStyle.Render(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
