// Package synth runs the project's synth command and loads the stacks it
// writes.
package synth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/armon/circbuf"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// Environment variables telling the synth command where to write.
const (
	EnvOutDir       = "STACKRUN_OUTDIR"
	EnvCompatOutDir = "CDKTF_OUTDIR"
)

const stderrLimit = 32 * 1024

// Synthesizer runs synth commands.
type Synthesizer struct {
	logger zerolog.Logger
	env    []string
}

// New creates a synthesizer. env adds KEY=VALUE entries to the command's
// environment.
func New(logger zerolog.Logger, env ...string) *Synthesizer {
	return &Synthesizer{
		logger: logger.With().Str("component", "synth").Logger(),
		env:    env,
	}
}

// Synthesize runs command in workingDir and returns the stacks written to
// outDir. A relative outDir is resolved against workingDir.
func (s *Synthesizer) Synthesize(ctx context.Context, command, outDir, workingDir string) ([]stacks.Stack, error) {
	if strings.TrimSpace(command) == "" {
		return nil, engine.NewUsageError("no synth command configured; set app in stackrun.yaml", nil)
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, engine.NewUsageError(fmt.Sprintf("invalid synth command %q", command), err)
	}
	if len(args) == 0 {
		return nil, engine.NewUsageError(fmt.Sprintf("invalid synth command %q", command), nil)
	}

	if workingDir == "" {
		if workingDir, err = os.Getwd(); err != nil {
			return nil, engine.NewInternalError("failed to determine working directory", err)
		}
	}
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(workingDir, outDir)
	}

	stderr, err := circbuf.NewBuffer(stderrLimit)
	if err != nil {
		return nil, engine.NewInternalError("failed to allocate stderr buffer", err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, EnvOutDir+"="+outDir, EnvCompatOutDir+"="+outDir)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, engine.NewInternalError("failed to capture synth output", err)
	}

	s.logger.Info().Str("command", command).Str("out_dir", outDir).Msg("Synthesizing")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, engine.NewUsageError(fmt.Sprintf("failed to start synth command %q", args[0]), err)
	}
	s.relay(stdout)

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		synthErr := engine.NewExternalError("synth command failed", err).
			WithCode(engine.ErrCodeProcessFailed).
			WithOperation("synth").
			WithStderr(msg)
		if msg != "" {
			synthErr.Message = "synth command failed: " + lastLine(msg)
		}
		return nil, synthErr
	}
	s.logger.Debug().Dur("duration", time.Since(start)).Msg("Synth command finished")

	return ReadManifest(outDir)
}

// relay debug-logs the command's stdout line by line until it closes.
func (s *Synthesizer) relay(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.logger.Debug().Str("stream", "stdout").Msg(line)
		}
	}
	// Drain whatever is left so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Printer reports stack annotations through the logger.
type Printer struct {
	logger zerolog.Logger
}

// NewPrinter creates an annotation printer.
func NewPrinter(logger zerolog.Logger) *Printer {
	return &Printer{logger: logger}
}

// PrintAnnotations logs every annotation at its level.
func (p *Printer) PrintAnnotations(list []stacks.Stack) {
	for _, s := range list {
		for _, a := range s.Annotations {
			var evt *zerolog.Event
			switch a.Level {
			case stacks.AnnotationError:
				evt = p.logger.Error()
			case stacks.AnnotationWarn:
				evt = p.logger.Warn()
			default:
				evt = p.logger.Info()
			}
			evt.Str("stack", s.Name).Str("construct", a.ConstructPath).Msg(a.Message)
		}
	}
}
