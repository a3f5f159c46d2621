package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/progress"
	"github.com/openfroyo/stackrun/pkg/project"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	prefixStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// renderer prints progress events. In JSON mode every event is one line of
// JSON; otherwise events are styled for a terminal.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	json    bool
	verbose bool
}

func newRenderer(out io.Writer, jsonMode, verbose bool) *renderer {
	return &renderer{out: out, json: jsonMode, verbose: verbose}
}

func (r *renderer) OnProgress(event progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		data, err := json.Marshal(event)
		if err == nil {
			fmt.Fprintln(r.out, string(data))
		}
		return
	}

	switch event.Type {
	case progress.EventStackSelected:
		fmt.Fprintln(r.out, headerStyle.Render("▸ "+event.StackName))

	case progress.EventLog:
		line := strings.TrimRight(event.Message, "\r\n")
		if event.IsError {
			line = errorStyle.Render(line)
		}
		fmt.Fprintf(r.out, "%s %s\n", r.prefix(event), line)

	case progress.EventResourceUpdate:
		if len(event.UpdatedResources) == 0 {
			if r.verbose {
				for _, line := range strings.Split(strings.TrimRight(event.Stdout, "\n"), "\n") {
					fmt.Fprintf(r.out, "%s %s\n", r.prefix(event), line)
				}
			}
			return
		}
		for _, u := range event.UpdatedResources {
			fmt.Fprintf(r.out, "%s %s\n", r.prefix(event), formatUpdate(u))
		}
	}
}

func (r *renderer) prefix(event progress.Event) string {
	return prefixStyle.Render(fmt.Sprintf("%s [%s]", event.StackName, event.StateName))
}

func formatUpdate(u engine.ResourceUpdate) string {
	status := string(u.Status)
	switch u.Status {
	case engine.UpdateStatusComplete:
		status = okStyle.Render("done")
	case engine.UpdateStatusErrored:
		status = errorStyle.Render("failed")
	case engine.UpdateStatusInProgress:
		status = warnStyle.Render("…")
	}

	parts := []string{u.Address, string(u.Action), status}
	if u.Elapsed != "" {
		parts = append(parts, "("+u.Elapsed+")")
	}
	if u.ID != "" {
		parts = append(parts, prefixStyle.Render("id="+u.ID))
	}
	return strings.Join(parts, " ")
}

// renderPlan describes a plan for the approval prompt and the diff command.
func renderPlan(stack string, plan *engine.Plan) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Plan for " + stack))
	b.WriteString("\n")

	if plan == nil || !plan.NeedsApply {
		b.WriteString(okStyle.Render("No changes. Infrastructure is up to date."))
		return boxStyle.Render(b.String())
	}

	for _, rc := range plan.ResourceChanges {
		var symbol string
		switch {
		case rc.IsReplace():
			symbol = errorStyle.Render("-/+")
		case rc.Has("create"):
			symbol = okStyle.Render("  +")
		case rc.Has("update"):
			symbol = warnStyle.Render("  ~")
		case rc.Has("delete"):
			symbol = errorStyle.Render("  -")
		default:
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", symbol, rc.Address)
	}

	s := plan.Summary()
	fmt.Fprintf(&b, "\n%d to add, %d to change, %d to destroy, %d to replace",
		s.Create, s.Update, s.Delete, s.Replace)
	return boxStyle.Render(b.String())
}

// renderResult prints the end of a run: a summary line in text mode or the
// final snapshot without stack bodies in JSON mode.
func renderResult(out io.Writer, jsonMode bool, runID string, snap project.Snapshot) error {
	c := snap.Context

	if jsonMode {
		c.SynthesizedStacks = nil
		return json.NewEncoder(out).Encode(struct {
			RunID string                   `json:"run_id"`
			State project.State            `json:"state"`
			Stack string                   `json:"stack,omitempty"`
			Plan  *engine.Plan             `json:"plan,omitempty"`
			Final project.ExecutionContext `json:"context"`
		}{runID, snap.State, c.ResolvedStack, c.TargetStackPlan, c})
	}

	switch snap.State {
	case project.StateDone:
		msg := fmt.Sprintf("✓ %s finished", c.TargetAction)
		if c.ResolvedStack != "" {
			msg += " for " + c.ResolvedStack
		}
		if c.TargetAction == project.ActionSynth {
			msg += fmt.Sprintf(": %s", strings.Join(stacks.Names(c.SynthesizedStacks), ", "))
		}
		fmt.Fprintln(out, okStyle.Render(msg))
	case project.StateError:
		fmt.Fprintln(out, errorStyle.Render("✗ "+c.Message))
	default:
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("run stopped in state %s", snap.State)))
	}
	fmt.Fprintln(out, prefixStyle.Render("run "+runID))
	return nil
}

// renderOutputs prints outputs sorted by key.
func renderOutputs(out io.Writer, outputs map[string]interface{}) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		value, err := json.Marshal(outputs[k])
		if err != nil {
			value = []byte(fmt.Sprint(outputs[k]))
		}
		fmt.Fprintf(out, "%s = %s\n", headerStyle.Render(k), value)
	}
}
