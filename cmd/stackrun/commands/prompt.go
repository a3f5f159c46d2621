package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/openfroyo/stackrun/pkg/project"
)

// confirmModel asks a yes/no question. Anything but an explicit yes is a no.
type confirmModel struct {
	question string
	answered bool
	approved bool
}

func (m confirmModel) Init() tea.Cmd {
	return nil
}

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch strings.ToLower(key.String()) {
	case "y":
		m.answered, m.approved = true, true
		return m, tea.Quit
	case "n", "esc", "ctrl+c", "q", "enter":
		m.answered, m.approved = true, false
		return m, tea.Quit
	}
	return m, nil
}

func (m confirmModel) View() string {
	if m.answered {
		answer := errorStyle.Render("aborted")
		if m.approved {
			answer = okStyle.Render("approved")
		}
		return fmt.Sprintf("%s %s\n", m.question, answer)
	}
	return fmt.Sprintf("%s %s ", m.question, prefixStyle.Render("[y/N]"))
}

// promptApprover shows the pending plan and asks the operator to confirm it.
type promptApprover struct {
	in       io.Reader
	out      io.Writer
	recorder func(ctx context.Context, approved bool)
}

func (a *promptApprover) Approve(ctx context.Context, snap project.Snapshot) (bool, error) {
	c := snap.Context
	fmt.Fprintln(a.out, renderPlan(c.ResolvedStack, c.TargetStackPlan))

	question := fmt.Sprintf("Apply these changes to %s?", c.ResolvedStack)
	if c.TargetAction == project.ActionDestroy {
		question = fmt.Sprintf("Destroy every resource of %s?", c.ResolvedStack)
	}

	program := tea.NewProgram(confirmModel{question: question},
		tea.WithContext(ctx),
		tea.WithInput(a.in),
		tea.WithOutput(a.out),
	)
	final, err := program.Run()
	if err != nil {
		return false, fmt.Errorf("approval prompt failed: %w", err)
	}

	approved := final.(confirmModel).approved
	if a.recorder != nil {
		a.recorder(ctx, approved)
	}
	return approved, nil
}
