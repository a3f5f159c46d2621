// Package local drives the provisioning engine as a child process in the
// stack's synthesized directory.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	version "github.com/hashicorp/go-version"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// Default settings.
const (
	DefaultBinary      = "terraform"
	DefaultPlanFile    = "plan"
	DefaultStderrLimit = 64 * 1024
)

// Config configures local engine clients.
type Config struct {
	// Binary is the engine executable name or path.
	Binary string

	// VersionConstraint is checked against the binary's version during Init.
	// Empty disables the check.
	VersionConstraint string

	// Env adds variables to the engine's environment.
	Env map[string]string

	// StderrLimit bounds how much trailing stderr is kept for errors.
	StderrLimit int64

	// PlanFile is the plan file name, relative to the stack directory.
	PlanFile string
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = DefaultStderrLimit
	}
	if c.PlanFile == "" {
		c.PlanFile = DefaultPlanFile
	}
}

// Client runs the engine binary for a single stack.
type Client struct {
	cfg        Config
	stack      string
	workingDir string
	logger     zerolog.Logger

	logMu sync.Mutex
	logFn engine.LogFunc
}

var _ engine.Client = (*Client)(nil)

// New creates a client for the stack. The stack's working directory must
// exist; it is where synthesis wrote the stack's configuration.
func New(cfg Config, stack stacks.Stack, logFn engine.LogFunc, logger zerolog.Logger) (*Client, error) {
	cfg.applyDefaults()
	if stack.WorkingDirectory == "" {
		return nil, engine.NewInternalError(fmt.Sprintf("stack %q has no working directory", stack.Name), nil).
			WithStack(stack.Name)
	}
	info, err := os.Stat(stack.WorkingDirectory)
	if err != nil {
		return nil, engine.NewUsageError(fmt.Sprintf("stack %q working directory is not accessible", stack.Name), err).
			WithStack(stack.Name)
	}
	if !info.IsDir() {
		return nil, engine.NewUsageError(fmt.Sprintf("stack %q working directory %s is not a directory", stack.Name, stack.WorkingDirectory), nil).
			WithStack(stack.Name)
	}

	return &Client{
		cfg:        cfg,
		stack:      stack.Name,
		workingDir: stack.WorkingDirectory,
		logger:     logger.With().Str("component", "engine.local").Str("stack", stack.Name).Logger(),
		logFn:      logFn,
	}, nil
}

// Init checks the engine version and initializes the working directory.
func (c *Client) Init(ctx context.Context) error {
	if err := c.checkVersion(ctx); err != nil {
		return err
	}
	_, err := c.run(ctx, invocation{
		operation:   engine.OperationInit,
		args:        []string{"init", "-input=false", "-no-color"},
		relayStdout: true,
	})
	return err
}

// Version returns the version reported by the engine binary.
func (c *Client) Version(ctx context.Context) (*version.Version, error) {
	res, err := c.run(ctx, invocation{operation: engine.OperationInit, args: []string{"version", "-json"}})
	if err != nil {
		return nil, err
	}

	var out struct {
		Version string `json:"terraform_version"`
	}
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return nil, engine.NewParseError("failed to parse engine version output", err).WithStack(c.stack)
	}
	v, err := version.NewVersion(out.Version)
	if err != nil {
		return nil, engine.NewParseError(fmt.Sprintf("invalid engine version %q", out.Version), err).WithStack(c.stack)
	}
	return v, nil
}

func (c *Client) checkVersion(ctx context.Context) error {
	if c.cfg.VersionConstraint == "" {
		return nil
	}
	constraints, err := version.NewConstraint(c.cfg.VersionConstraint)
	if err != nil {
		return engine.NewUsageError(fmt.Sprintf("invalid engine version constraint %q", c.cfg.VersionConstraint), err)
	}

	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if !constraints.Check(v) {
		return engine.NewUsageError(
			fmt.Sprintf("%s %s does not satisfy the required version %s", c.cfg.Binary, v, constraints), nil).
			WithCode(engine.ErrCodeVersionMismatch).
			WithStack(c.stack)
	}
	c.logger.Debug().Str("version", v.String()).Msg("Engine version accepted")
	return nil
}

// Plan writes a plan file and reads it back as JSON.
func (c *Client) Plan(ctx context.Context, isDestroy bool) (*engine.Plan, error) {
	args := []string{"plan", "-input=false", "-no-color", "-out=" + c.cfg.PlanFile}
	if isDestroy {
		args = append(args, "-destroy")
	}
	if _, err := c.run(ctx, invocation{operation: engine.OperationPlan, args: args, relayStdout: true}); err != nil {
		return nil, err
	}

	res, err := c.run(ctx, invocation{operation: engine.OperationPlan, args: []string{"show", "-json", c.cfg.PlanFile}})
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlanJSON(res.Stdout)
	if err != nil {
		return nil, engine.NewParseError("failed to parse plan", err).
			WithStack(c.stack).
			WithOperation(engine.OperationPlan)
	}
	plan.PlanFile = filepath.Join(c.workingDir, c.cfg.PlanFile)
	return plan, nil
}

// Deploy applies the plan file, streaming stdout chunks.
func (c *Client) Deploy(ctx context.Context, planFile string, onChunk engine.ChunkFunc) error {
	if planFile == "" {
		planFile = c.cfg.PlanFile
	}
	_, err := c.run(ctx, invocation{
		operation: engine.OperationDeploy,
		args:      []string{"apply", "-auto-approve", "-input=false", "-no-color", planFile},
		onChunk:   onChunk,
	})
	return err
}

// Destroy tears the stack down, streaming stdout chunks. The destroy plan is
// recomputed by the engine, so planFile is not used.
func (c *Client) Destroy(ctx context.Context, _ string, onChunk engine.ChunkFunc) error {
	_, err := c.run(ctx, invocation{
		operation: engine.OperationDestroy,
		args:      []string{"destroy", "-auto-approve", "-input=false", "-no-color"},
		onChunk:   onChunk,
	})
	return err
}

// Output returns the stack outputs.
func (c *Client) Output(ctx context.Context) (map[string]interface{}, error) {
	res, err := c.run(ctx, invocation{operation: engine.OperationOutput, args: []string{"output", "-json"}})
	if err != nil {
		return nil, err
	}

	var raw map[string]struct {
		Value     interface{} `json:"value"`
		Sensitive bool        `json:"sensitive"`
	}
	if len(res.Stdout) > 0 {
		if err := json.Unmarshal(res.Stdout, &raw); err != nil {
			return nil, engine.NewParseError("failed to parse outputs", err).
				WithStack(c.stack).
				WithOperation(engine.OperationOutput)
		}
	}

	outputs := make(map[string]interface{}, len(raw))
	for name, o := range raw {
		outputs[name] = o.Value
	}
	return outputs, nil
}

// ParsePlanJSON reads the machine-readable plan representation.
func ParsePlanJSON(data []byte) (*engine.Plan, error) {
	var doc struct {
		ResourceChanges []struct {
			Address string `json:"address"`
			Type    string `json:"type"`
			Name    string `json:"name"`
			Change  struct {
				Actions []string `json:"actions"`
			} `json:"change"`
		} `json:"resource_changes"`
		OutputChanges map[string]struct {
			Actions []string `json:"actions"`
		} `json:"output_changes"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	plan := &engine.Plan{Raw: json.RawMessage(data)}
	for _, rc := range doc.ResourceChanges {
		change := engine.ResourceChange{
			Address: rc.Address,
			Type:    rc.Type,
			Name:    rc.Name,
			Actions: rc.Change.Actions,
		}
		plan.ResourceChanges = append(plan.ResourceChanges, change)
		if !change.IsNoop() {
			plan.NeedsApply = true
		}
	}
	for _, oc := range doc.OutputChanges {
		if !(engine.ResourceChange{Actions: oc.Actions}).IsNoop() {
			plan.NeedsApply = true
		}
	}
	return plan, nil
}
