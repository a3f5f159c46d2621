package engine

import (
	"context"
)

// ChunkFunc receives raw output chunks from a streaming apply or destroy, in
// arrival order.
type ChunkFunc func(chunk []byte)

// LogFunc receives a single log line produced by the engine. isError is set for
// lines read from standard error.
type LogFunc func(line string, isError bool)

// Client drives the provisioning engine for one stack. A Client is created per
// stack and per run; it is not shared between runs.
type Client interface {
	// Init prepares the stack working directory (providers, backend).
	Init(ctx context.Context) error

	// Plan computes the changes for the stack. isDestroy plans a teardown.
	Plan(ctx context.Context, isDestroy bool) (*Plan, error)

	// Deploy applies a previously computed plan, streaming raw output.
	Deploy(ctx context.Context, planFile string, onChunk ChunkFunc) error

	// Destroy tears the stack down, streaming raw output. planFile is the
	// reference returned by Plan(ctx, true); clients that do not need it may
	// ignore it.
	Destroy(ctx context.Context, planFile string, onChunk ChunkFunc) error

	// Output returns the stack outputs as a flat name to value map.
	Output(ctx context.Context) (map[string]interface{}, error)
}

// Operation names used in errors, metrics and spans.
const (
	OperationInit    = "init"
	OperationPlan    = "plan"
	OperationDeploy  = "deploy"
	OperationDestroy = "destroy"
	OperationOutput  = "output"
)
