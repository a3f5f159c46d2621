package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/armon/circbuf"
	tfe "github.com/hashicorp/go-tfe"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// DefaultPollInterval is how often run and upload status is polled.
const DefaultPollInterval = 2 * time.Second

// logTailSize bounds the log text kept for failure messages.
const logTailSize = 16 * 1024

// Config configures remote engine clients.
type Config struct {
	// PollInterval is the delay between status reads.
	PollInterval time.Duration

	// Message is attached to every queued run.
	Message string
}

// Client runs one stack through the remote service.
type Client struct {
	api     *API
	cfg     Config
	stack   stacks.Stack
	backend stacks.RemoteBackend
	logFn   engine.LogFunc
	logger  zerolog.Logger

	workspace *tfe.Workspace
}

var _ engine.Client = (*Client)(nil)

// New creates a client for a stack that declares the given backend.
func New(api *API, cfg Config, stack stacks.Stack, backend stacks.RemoteBackend, logFn engine.LogFunc, logger zerolog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Message == "" {
		cfg.Message = "Queued by stackrun"
	}
	if logFn == nil {
		logFn = func(string, bool) {}
	}
	return &Client{
		api:     api,
		cfg:     cfg,
		stack:   stack,
		backend: backend,
		logFn:   logFn,
		logger: logger.With().
			Str("component", "engine.remote").
			Str("stack", stack.Name).
			Str("workspace", backend.Organization+"/"+backend.Workspace).
			Logger(),
	}
}

// Init reads the workspace the stack runs in.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.loadWorkspace(ctx, engine.OperationInit)
	if err != nil {
		return err
	}
	c.logFn(fmt.Sprintf("Using remote workspace %s/%s", c.backend.Organization, c.backend.Workspace), false)
	return nil
}

func (c *Client) loadWorkspace(ctx context.Context, op string) (*tfe.Workspace, error) {
	if c.workspace != nil {
		return c.workspace, nil
	}
	ws, err := c.api.Workspaces.Read(ctx, c.backend.Organization, c.backend.Workspace)
	if err != nil {
		if errors.Is(err, tfe.ErrResourceNotFound) {
			return nil, engine.NewUsageError(
				fmt.Sprintf("workspace %s/%s not found", c.backend.Organization, c.backend.Workspace), err).
				WithStack(c.stack.Name).
				WithOperation(op)
		}
		return nil, c.externalError(op, "failed to read workspace", err)
	}
	c.workspace = ws
	return ws, nil
}

// Plan uploads the stack directory and queues a run. The returned plan file
// is the run ID.
func (c *Client) Plan(ctx context.Context, isDestroy bool) (*engine.Plan, error) {
	ws, err := c.loadWorkspace(ctx, engine.OperationPlan)
	if err != nil {
		return nil, err
	}

	cv, err := c.api.ConfigurationVersions.Create(ctx, ws.ID, tfe.ConfigurationVersionCreateOptions{
		AutoQueueRuns: tfe.Bool(false),
	})
	if err != nil {
		return nil, c.externalError(engine.OperationPlan, "failed to create configuration version", err)
	}
	if err := c.api.ConfigurationVersions.Upload(ctx, cv.UploadURL, c.stack.WorkingDirectory); err != nil {
		return nil, c.externalError(engine.OperationPlan, "failed to upload configuration", err)
	}
	if err := c.waitForUpload(ctx, cv.ID); err != nil {
		return nil, err
	}

	run, err := c.api.Runs.Create(ctx, tfe.RunCreateOptions{
		Workspace:            ws,
		ConfigurationVersion: cv,
		IsDestroy:            tfe.Bool(isDestroy),
		Message:              tfe.String(c.cfg.Message),
	})
	if err != nil {
		return nil, c.externalError(engine.OperationPlan, "failed to create run", err)
	}
	c.logger.Info().Str("run", run.ID).Bool("destroy", isDestroy).Msg("Queued remote run")
	c.logFn(fmt.Sprintf("Queued run %s", run.ID), false)

	tail := newTail()
	if run.Plan != nil && run.Plan.ID != "" {
		if logs, err := c.api.Plans.Logs(ctx, run.Plan.ID); err != nil {
			c.logger.Warn().Err(err).Msg("Plan logs unavailable")
		} else if err := c.relayLines(logs, tail); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Plan log stream interrupted")
		}
	}

	run, err = c.waitForRun(ctx, engine.OperationPlan, run.ID, planFinished)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case tfe.RunErrored, tfe.RunCanceled, tfe.RunDiscarded:
		return nil, c.runFailed(engine.OperationPlan, run, tail)
	}

	return &engine.Plan{
		PlanFile:   run.ID,
		NeedsApply: run.HasChanges && run.Status != tfe.RunPlannedAndFinished,
	}, nil
}

// Deploy confirms the planned run and streams its apply log.
func (c *Client) Deploy(ctx context.Context, planFile string, onChunk engine.ChunkFunc) error {
	return c.apply(ctx, engine.OperationDeploy, planFile, onChunk)
}

// Destroy confirms the destroy run created by Plan(ctx, true).
func (c *Client) Destroy(ctx context.Context, planFile string, onChunk engine.ChunkFunc) error {
	return c.apply(ctx, engine.OperationDestroy, planFile, onChunk)
}

func (c *Client) apply(ctx context.Context, op, runID string, onChunk engine.ChunkFunc) error {
	if runID == "" {
		return engine.NewInternalError("no remote run to apply", nil).
			WithCode(engine.ErrCodeMissingPlan).
			WithStack(c.stack.Name).
			WithOperation(op)
	}

	if err := c.api.Runs.Apply(ctx, runID, tfe.RunApplyOptions{Comment: tfe.String(c.cfg.Message)}); err != nil {
		return c.externalError(op, fmt.Sprintf("failed to apply run %s", runID), err)
	}

	run, err := c.api.Runs.Read(ctx, runID)
	if err != nil {
		return c.externalError(op, fmt.Sprintf("failed to read run %s", runID), err)
	}

	tail := newTail()
	if run.Apply != nil && run.Apply.ID != "" {
		logs, err := c.api.Applies.Logs(ctx, run.Apply.ID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Apply logs unavailable")
		} else if err := relayChunks(logs, onChunk, tail); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Apply log stream interrupted")
		}
	}

	run, err = c.waitForRun(ctx, op, runID, applyFinished)
	if err != nil {
		return err
	}
	if run.Status != tfe.RunApplied {
		return c.runFailed(op, run, tail)
	}
	return nil
}

// Output reads the workspace's current state outputs.
func (c *Client) Output(ctx context.Context) (map[string]interface{}, error) {
	ws, err := c.loadWorkspace(ctx, engine.OperationOutput)
	if err != nil {
		return nil, err
	}
	list, err := c.api.StateVersionOutputs.ReadCurrent(ctx, ws.ID)
	if err != nil {
		if errors.Is(err, tfe.ErrResourceNotFound) {
			return map[string]interface{}{}, nil
		}
		return nil, c.externalError(engine.OperationOutput, "failed to read outputs", err)
	}

	outputs := make(map[string]interface{}, len(list.Items))
	for _, o := range list.Items {
		outputs[o.Name] = o.Value
	}
	return outputs, nil
}

func (c *Client) waitForUpload(ctx context.Context, id string) error {
	return c.poll(ctx, func() (bool, error) {
		cv, err := c.api.ConfigurationVersions.Read(ctx, id)
		if err != nil {
			return false, c.externalError(engine.OperationPlan, "failed to read configuration version", err)
		}
		switch cv.Status {
		case tfe.ConfigurationUploaded:
			return true, nil
		case tfe.ConfigurationErrored:
			return false, engine.NewExternalError(
				fmt.Sprintf("configuration upload failed: %s", cv.ErrorMessage), nil).
				WithCode(engine.ErrCodeRemoteRun).
				WithStack(c.stack.Name).
				WithOperation(engine.OperationPlan)
		}
		return false, nil
	})
}

func (c *Client) waitForRun(ctx context.Context, op, id string, finished func(tfe.RunStatus) bool) (*tfe.Run, error) {
	var run *tfe.Run
	err := c.poll(ctx, func() (bool, error) {
		r, err := c.api.Runs.Read(ctx, id)
		if err != nil {
			return false, c.externalError(op, fmt.Sprintf("failed to read run %s", id), err)
		}
		run = r
		c.logger.Debug().Str("run", id).Str("status", string(r.Status)).Msg("Polled remote run")
		return finished(r.Status), nil
	})
	return run, err
}

// poll calls check until it reports done, fails, or ctx ends.
func (c *Client) poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func planFinished(s tfe.RunStatus) bool {
	switch s {
	case tfe.RunPlanned, tfe.RunPlannedAndFinished, tfe.RunCostEstimated,
		tfe.RunPolicyChecked, tfe.RunPolicySoftFailed, tfe.RunPolicyOverride,
		tfe.RunErrored, tfe.RunCanceled, tfe.RunDiscarded:
		return true
	}
	return false
}

func applyFinished(s tfe.RunStatus) bool {
	switch s {
	case tfe.RunApplied, tfe.RunErrored, tfe.RunCanceled, tfe.RunDiscarded:
		return true
	}
	return false
}

func (c *Client) externalError(op, msg string, err error) *engine.Error {
	return engine.NewExternalError(msg, err).WithStack(c.stack.Name).WithOperation(op)
}

func (c *Client) runFailed(op string, run *tfe.Run, tail *circbuf.Buffer) error {
	return engine.NewExternalError(fmt.Sprintf("remote run %s finished with status %s", run.ID, run.Status), nil).
		WithCode(engine.ErrCodeRemoteRun).
		WithStack(c.stack.Name).
		WithOperation(op).
		WithStderr(strings.TrimSpace(tail.String())).
		WithDetail("run_id", run.ID)
}

func newTail() *circbuf.Buffer {
	// Size is a positive constant, NewBuffer cannot fail.
	buf, _ := circbuf.NewBuffer(logTailSize)
	return buf
}

// relayLines sends each log line to the log function and keeps a tail.
func (c *Client) relayLines(r io.Reader, tail *circbuf.Buffer) error {
	w := &lineSplitter{emit: func(line string) { c.logFn(line, false) }}
	_, err := io.Copy(io.MultiWriter(w, tail), r)
	w.flush()
	return err
}

func relayChunks(r io.Reader, onChunk engine.ChunkFunc, tail *circbuf.Buffer) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			tail.Write(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type lineSplitter struct {
	buf  []byte
	emit func(string)
}

func (w *lineSplitter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		w.send(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
}

func (w *lineSplitter) flush() {
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}

func (w *lineSplitter) send(line []byte) {
	s := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(s) != "" {
		w.emit(s)
	}
}
