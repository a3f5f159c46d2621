package project

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/progress"
	"github.com/openfroyo/stackrun/pkg/stacks"
	"github.com/openfroyo/stackrun/pkg/telemetry"
)

// Synthesizer runs the project's synth command and returns the stacks it
// produced, in synthesis order.
type Synthesizer interface {
	Synthesize(ctx context.Context, command, outDir, workingDir string) ([]stacks.Stack, error)
}

// AnnotationPrinter reports synthesis diagnostics.
type AnnotationPrinter interface {
	PrintAnnotations(list []stacks.Stack)
}

// ClientFactory selects and builds engine clients.
type ClientFactory interface {
	// Kind decides which engine client kind serves the stack.
	Kind(ctx context.Context, stack stacks.Stack) (engine.ClientKind, error)

	// Client builds a client of the given kind. Log lines the client reads
	// are passed to logFn.
	Client(ctx context.Context, kind engine.ClientKind, stack stacks.Stack, logFn engine.LogFunc) (engine.Client, error)
}

// PlanPolicy evaluates a plan and returns the reasons it must be rejected.
type PlanPolicy interface {
	EvaluatePlan(ctx context.Context, stack string, action string, plan *engine.Plan) ([]string, error)
}

// Locker serializes apply and destroy per stack across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// ServiceConfig holds the project settings the services need.
type ServiceConfig struct {
	// Command is the synth command line.
	Command string

	// OutDir is the synth output directory, relative to WorkingDir.
	OutDir string

	// WorkingDir is the project directory.
	WorkingDir string

	// LockTTL bounds how long a stack lock is held without renewal.
	LockTTL time.Duration
}

// ServiceOption configures DefaultServices.
type ServiceOption func(*DefaultServices)

// WithAnnotationPrinter sets the printer for synthesis diagnostics.
func WithAnnotationPrinter(p AnnotationPrinter) ServiceOption {
	return func(s *DefaultServices) { s.printer = p }
}

// WithPlanPolicy enables the plan policy gate.
func WithPlanPolicy(p PlanPolicy) ServiceOption {
	return func(s *DefaultServices) { s.policy = p }
}

// WithLocker makes apply and destroy hold a per-stack lock.
func WithLocker(l Locker) ServiceOption {
	return func(s *DefaultServices) { s.locker = l }
}

// DefaultServices implements Services on top of a synthesizer and engine
// clients. It holds no per-run state and can serve several machines.
type DefaultServices struct {
	config  ServiceConfig
	synth   Synthesizer
	clients ClientFactory
	printer AnnotationPrinter
	policy  PlanPolicy
	locker  Locker
}

// NewServices creates the default services.
func NewServices(cfg ServiceConfig, synth Synthesizer, clients ClientFactory, opts ...ServiceOption) *DefaultServices {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	s := &DefaultServices{config: cfg, synth: synth, clients: clients}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synth runs the synth command. Failures propagate unchanged.
func (s *DefaultServices) Synth(ctx context.Context, inv Invocation) ([]stacks.Stack, error) {
	list, err := s.synth.Synthesize(ctx, s.config.Command, s.config.OutDir, s.config.WorkingDir)
	if err != nil {
		return nil, err
	}
	if s.printer != nil {
		s.printer.PrintAnnotations(list)
	}
	inv.Logger.Zerolog().Info().Strs("stacks", stacks.Names(list)).Msg("Synthesized stacks")

	// Dependency problems only matter when several stacks are deployed in
	// order, so they do not fail the run.
	if graph, err := stacks.BuildGraph(list); err != nil {
		inv.Logger.Zerolog().Warn().Err(err).Msg("Invalid stack dependencies")
	} else if len(graph.Levels) > 1 {
		inv.Logger.Zerolog().Debug().Strs("order", graph.Order()).Msg("Stack deployment order")
	}
	return list, nil
}

// Plan resolves the target stack, picks the engine client and plans.
func (s *DefaultServices) Plan(ctx context.Context, inv Invocation) (PlanResult, error) {
	stack, err := resolveStack(inv.Context)
	if err != nil {
		return PlanResult{}, err
	}
	inv.Observer.OnProgress(progress.StackSelected(stack.Name))

	kind, err := s.clients.Kind(ctx, *stack)
	if err != nil {
		return PlanResult{}, err
	}
	client, err := s.clients.Client(ctx, kind, *stack, logRelay(inv.Observer, stack.Name, "plan"))
	if err != nil {
		return PlanResult{}, err
	}

	err = telemetry.RecordEngineOperation(ctx, string(kind), engine.OperationInit, stack.Name, func(ctx context.Context) error {
		return client.Init(ctx)
	})
	if err != nil {
		return PlanResult{}, err
	}

	isDestroy := inv.Context.TargetAction == ActionDestroy
	var plan *engine.Plan
	err = telemetry.RecordEngineOperation(ctx, string(kind), engine.OperationPlan, stack.Name, func(ctx context.Context) error {
		var planErr error
		plan, planErr = client.Plan(ctx, isDestroy)
		return planErr
	})
	if err != nil {
		return PlanResult{}, err
	}

	if s.policy != nil && plan != nil {
		denials, err := s.policy.EvaluatePlan(ctx, stack.Name, string(inv.Context.TargetAction), plan)
		if err != nil {
			return PlanResult{}, fmt.Errorf("failed to evaluate plan policies: %w", err)
		}
		if len(denials) > 0 {
			return PlanResult{}, engine.NewExternalError(
				fmt.Sprintf("plan denied by policy: %s", strings.Join(denials, "; ")), nil).
				WithCode(engine.ErrCodePolicyDenied).
				WithStack(stack.Name).
				WithDetail("denials", denials)
		}
	}

	summary := plan.Summary()
	inv.Logger.Zerolog().Info().
		Str("stack", stack.Name).
		Str("client", string(kind)).
		Bool("needs_apply", plan != nil && plan.NeedsApply).
		Int("create", summary.Create).
		Int("update", summary.Update).
		Int("delete", summary.Delete).
		Int("replace", summary.Replace).
		Msg("Plan complete")

	return PlanResult{Plan: plan, ClientKind: kind, Stack: stack.Name}, nil
}

// Deploy applies the stored plan.
func (s *DefaultServices) Deploy(ctx context.Context, inv Invocation) error {
	return s.apply(ctx, inv, "deploy", func(ctx context.Context, client engine.Client, planFile string, onChunk engine.ChunkFunc) error {
		return client.Deploy(ctx, planFile, onChunk)
	})
}

// Destroy tears the stack down.
func (s *DefaultServices) Destroy(ctx context.Context, inv Invocation) error {
	return s.apply(ctx, inv, "destroy", func(ctx context.Context, client engine.Client, planFile string, onChunk engine.ChunkFunc) error {
		return client.Destroy(ctx, planFile, onChunk)
	})
}

type applyFunc func(ctx context.Context, client engine.Client, planFile string, onChunk engine.ChunkFunc) error

func (s *DefaultServices) apply(ctx context.Context, inv Invocation, state string, fn applyFunc) error {
	plan := inv.Context.TargetStackPlan
	if plan == nil {
		return engine.NewInternalError(fmt.Sprintf("cannot %s: no plan was recorded for this run", state), nil).
			WithCode(engine.ErrCodeMissingPlan)
	}
	if inv.Context.ClientKind == "" {
		return engine.NewInternalError(fmt.Sprintf("cannot %s: no engine client was selected for this run", state), nil)
	}

	stack, err := resolveStack(inv.Context)
	if err != nil {
		return err
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, "stack:"+stack.Name, s.config.LockTTL)
		if err != nil {
			return engine.NewExternalError(fmt.Sprintf("failed to lock stack %q", stack.Name), err).
				WithCode(engine.ErrCodeLockHeld).
				WithStack(stack.Name)
		}
		defer func() {
			// The run may already be cancelled; release with a fresh context.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := unlock(releaseCtx); err != nil {
				inv.Logger.Zerolog().Warn().Err(err).Str("stack", stack.Name).Msg("Failed to release stack lock")
			}
		}()
	}

	client, err := s.clients.Client(ctx, inv.Context.ClientKind, *stack, logRelay(inv.Observer, stack.Name, state))
	if err != nil {
		return err
	}

	onChunk := func(chunk []byte) {
		inv.Observer.OnProgress(progress.ResourceUpdate(stack.Name, state, chunk))
	}
	return telemetry.RecordEngineOperation(ctx, string(inv.Context.ClientKind), state, stack.Name, func(ctx context.Context) error {
		return fn(ctx, client, plan.PlanFile, onChunk)
	})
}

// GatherOutput reads the stack outputs. A destroyed stack has none.
func (s *DefaultServices) GatherOutput(ctx context.Context, inv Invocation) (OutputResult, error) {
	if inv.Context.TargetAction == ActionDestroy {
		return OutputResult{
			Outputs:              map[string]interface{}{},
			OutputsByConstructID: map[string]interface{}{},
		}, nil
	}

	stack, err := resolveStack(inv.Context)
	if err != nil {
		return OutputResult{}, err
	}

	kind := inv.Context.ClientKind
	fresh := kind == ""
	if fresh {
		inv.Observer.OnProgress(progress.StackSelected(stack.Name))
		if kind, err = s.clients.Kind(ctx, *stack); err != nil {
			return OutputResult{}, err
		}
	}

	client, err := s.clients.Client(ctx, kind, *stack, logRelay(inv.Observer, stack.Name, "output"))
	if err != nil {
		return OutputResult{}, err
	}
	if fresh {
		err = telemetry.RecordEngineOperation(ctx, string(kind), engine.OperationInit, stack.Name, func(ctx context.Context) error {
			return client.Init(ctx)
		})
		if err != nil {
			return OutputResult{}, err
		}
	}

	var outputs map[string]interface{}
	err = telemetry.RecordEngineOperation(ctx, string(kind), engine.OperationOutput, stack.Name, func(ctx context.Context) error {
		var outErr error
		outputs, outErr = client.Output(ctx)
		return outErr
	})
	if err != nil {
		return OutputResult{}, err
	}
	if outputs == nil {
		outputs = map[string]interface{}{}
	}

	manifest, err := stack.Manifest()
	if err != nil {
		return OutputResult{}, err
	}
	byConstruct, err := stacks.MapOutputsByConstructID(manifest, outputs)
	if err != nil {
		return OutputResult{}, err
	}

	return OutputResult{
		Outputs:              outputs,
		OutputsByConstructID: byConstruct,
		ClientKind:           kind,
		Stack:                stack.Name,
	}, nil
}

// resolveStack resolves the target stack and checks it is the one resolved
// earlier in the run, if any.
func resolveStack(c ExecutionContext) (*stacks.Stack, error) {
	stack, err := stacks.Resolve(c.SynthesizedStacks, c.TargetStack)
	if err != nil {
		return nil, err
	}
	if c.ResolvedStack != "" && stack.Name != c.ResolvedStack {
		return nil, engine.NewInternalError(
			fmt.Sprintf("stack resolved to %q but this run operates on %q", stack.Name, c.ResolvedStack), nil).
			WithCode(engine.ErrCodeStackChanged)
	}
	return stack, nil
}

func logRelay(o progress.Observer, stack, state string) engine.LogFunc {
	return func(line string, isError bool) {
		o.OnProgress(progress.Log(stack, state, line, isError))
	}
}
