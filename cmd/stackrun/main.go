package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/stackrun/cmd/stackrun/commands"
	"github.com/openfroyo/stackrun/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))

func main() {
	// Cancel on interrupt; a second signal kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}
	stop()

	if !errors.Is(err, commands.ErrRunFailed) {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps the error class to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 130
	case engine.IsUsage(err):
		return 2
	default:
		return 1
	}
}
