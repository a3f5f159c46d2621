package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/armon/circbuf"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// invocation describes one engine process.
type invocation struct {
	operation string
	args      []string

	// relayStdout sends stdout lines to the log function.
	relayStdout bool

	// onChunk, when set, receives stdout as raw chunks instead of lines.
	onChunk engine.ChunkFunc
}

// result is what a finished process produced.
type result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// run runs the engine binary in the stack directory. A non-zero exit is
// returned as an external error carrying the tail of stderr.
func (c *Client) run(ctx context.Context, inv invocation) (*result, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Binary, inv.args...)
	cmd.Dir = c.workingDir
	cmd.Env = c.environ()

	stderrTail, err := circbuf.NewBuffer(c.cfg.StderrLimit)
	if err != nil {
		return nil, engine.NewInternalError("failed to allocate stderr buffer", err)
	}

	var stdout bytes.Buffer
	var stdoutSink io.Writer = &stdout
	var stdoutLines *lineWriter
	switch {
	case inv.onChunk != nil:
		stdoutSink = chunkWriter(inv.onChunk)
	case inv.relayStdout:
		stdoutLines = c.lines(false)
		stdoutSink = io.MultiWriter(&stdout, stdoutLines)
	}
	stderrLines := c.lines(true)

	cmd.Stdout = stdoutSink
	cmd.Stderr = io.MultiWriter(stderrTail, stderrLines)

	c.logger.Debug().
		Str("binary", c.cfg.Binary).
		Strs("args", inv.args).
		Str("dir", c.workingDir).
		Msg("Running engine command")

	start := time.Now()
	runErr := cmd.Run()
	res := &result{
		Stdout:   stdout.Bytes(),
		Stderr:   strings.TrimSpace(stderrTail.String()),
		Duration: time.Since(start),
	}
	if stdoutLines != nil {
		stdoutLines.Flush()
	}
	stderrLines.Flush()

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = ctxErr
		}
		return res, engine.NewExternalError(fmt.Sprintf("%s %s failed", c.cfg.Binary, inv.args[0]), runErr).
			WithCode(engine.ErrCodeProcessFailed).
			WithOperation(inv.operation).
			WithStack(c.stack).
			WithStderr(res.Stderr).
			WithDetail("exit_code", res.ExitCode)
	}

	c.logger.Debug().
		Str("operation", inv.operation).
		Dur("duration", res.Duration).
		Msg("Engine command finished")
	return res, nil
}

func (c *Client) environ() []string {
	env := append(os.Environ(), "TF_IN_AUTOMATION=1", "TF_INPUT=0")
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// lines returns a writer that relays complete lines to the client's log
// function. Stdout and stderr are copied on separate goroutines, so calls
// into logFn are serialized.
func (c *Client) lines(isError bool) *lineWriter {
	return &lineWriter{emit: func(line string) {
		if c.logFn == nil {
			return
		}
		c.logMu.Lock()
		defer c.logMu.Unlock()
		c.logFn(line, isError)
	}}
}

// lineWriter splits a byte stream into lines. Trailing carriage returns are
// dropped and blank lines are skipped.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) send(line []byte) {
	s := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	w.emit(s)
}

// chunkWriter hands each write to fn. The slice is copied because the caller
// reuses its buffer.
type chunkWriter engine.ChunkFunc

func (f chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		f(chunk)
	}
	return len(p), nil
}
