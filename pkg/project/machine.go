package project

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/progress"
	"github.com/openfroyo/stackrun/pkg/stacks"
	"github.com/openfroyo/stackrun/pkg/telemetry"
)

// Invocation is what a service receives: the run's context value at the time
// the service was invoked plus the channels it reports through.
type Invocation struct {
	RunID    string
	Context  ExecutionContext
	Observer progress.Observer
	Logger   *telemetry.Logger
}

// PlanResult is returned by the plan service.
type PlanResult struct {
	Plan       *engine.Plan
	ClientKind engine.ClientKind
	Stack      string
}

// OutputResult is returned by the output service.
type OutputResult struct {
	Outputs              map[string]interface{}
	OutputsByConstructID map[string]interface{}
	ClientKind           engine.ClientKind
	Stack                string
}

// Services are the asynchronous operations the machine invokes on entering
// synth, diff, deploy, destroy and gatherOutput.
type Services interface {
	Synth(ctx context.Context, inv Invocation) ([]stacks.Stack, error)
	Plan(ctx context.Context, inv Invocation) (PlanResult, error)
	Deploy(ctx context.Context, inv Invocation) error
	Destroy(ctx context.Context, inv Invocation) error
	GatherOutput(ctx context.Context, inv Invocation) (OutputResult, error)
}

// Transition records one state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event EventType `json:"event"`
	At    time.Time `json:"at"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithObserver sets the progress observer.
func WithObserver(o progress.Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Machine) {
		m.metrics = metrics
	}
}

// WithTracer sets the tracer used for run and phase spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Machine) {
		m.tracer = t
	}
}

// WithTransitionHook registers a function called after every transition, in
// order. Hooks run while the machine is processing an event and must not
// call Send.
func WithTransitionHook(hook func(Transition)) Option {
	return func(m *Machine) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

// WithRunID sets the run identifier. A random one is generated otherwise.
func WithRunID(id string) Option {
	return func(m *Machine) {
		if id != "" {
			m.runID = id
		}
	}
}

type request struct {
	event Event
	reply chan error
}

// Machine runs one project execution. It processes one event at a time on its
// own goroutine and has at most one service invocation in flight.
type Machine struct {
	services Services
	runID    string
	observer progress.Observer
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	hooks    []func(Transition)

	mu       sync.RWMutex
	snapshot Snapshot
	history  []Transition
	started  bool
	exitErr  error

	requests    chan request
	completions chan Event
	done        chan struct{}

	// Owned by the machine goroutine.
	inFlight  bool
	startedAt time.Time
	runSpan   trace.Span
	spanCtx   context.Context
}

// NewMachine creates a machine in the idle state.
func NewMachine(services Services, opts ...Option) *Machine {
	m := &Machine{
		services:    services,
		observer:    progress.Nop,
		logger:      telemetry.NewNopLogger(),
		snapshot:    Snapshot{State: StateIdle},
		requests:    make(chan request),
		completions: make(chan Event, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runID == "" {
		m.runID = uuid.New().String()
	}
	m.logger = m.logger.NewComponentLogger("project").WithRunID(m.runID)
	return m
}

// RunID returns the run identifier.
func (m *Machine) RunID() string {
	return m.runID
}

// Start sends START and begins processing. ctx bounds every service the run
// invokes; cancelling it fails the phase in flight.
func (m *Machine) Start(ctx context.Context, start StartEvent) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}

	event := start.Event()
	snap, effect, path, err := next(m.snapshot, event)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.started = true
	m.mu.Unlock()

	m.startedAt = time.Now()
	m.spanCtx = ctx
	if m.tracer != nil {
		m.spanCtx, m.runSpan = m.tracer.StartRunSpan(ctx, m.runID, string(start.Action), start.Stack)
	}
	m.metrics.RecordRunStarted(string(start.Action))
	m.logger.Zerolog().Info().Str("action", string(start.Action)).Str("stack", start.Stack).Msg("Run started")

	m.commit(event, path, snap)
	m.invoke(effect, snap)

	go m.loop(ctx)
	return nil
}

// Send delivers a driver event and returns once the machine processed it.
func (m *Machine) Send(e Event) error {
	if !e.Type.IsPublic() {
		return fmt.Errorf("%w: %s is an internal event", ErrEventNotAccepted, e.Type)
	}

	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		if e.Type == EventStart {
			return fmt.Errorf("%w: use Start to begin a run", ErrNotStarted)
		}
		return ErrNotStarted
	}

	req := request{event: e, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
		return <-req.reply
	case <-m.done:
		return fmt.Errorf("%w: %s received in state %s", ErrMachineStopped, e.Type, m.Snapshot().State)
	}
}

// Wait blocks until the machine reaches done or error, or until ctx is done.
// The returned error is nil when a terminal state was reached.
func (m *Machine) Wait(ctx context.Context) (Snapshot, error) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return m.Snapshot(), ErrNotStarted
	}

	select {
	case <-m.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.snapshot, m.exitErr
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
}

// Done is closed when the machine stops processing events.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Snapshot returns the current state and context.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// History returns the transitions taken so far.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) loop(ctx context.Context) {
	defer close(m.done)

	cancelled := ctx.Done()
	for !m.Snapshot().State.IsTerminal() {
		select {
		case req := <-m.requests:
			req.reply <- m.handle(req.event)
		case ev := <-m.completions:
			m.inFlight = false
			if err := m.handle(ev); err != nil {
				// Completions always match the state that invoked them.
				m.logger.Zerolog().Error().Err(err).Str("event", string(ev.Type)).Msg("Dropped service completion")
			}
		case <-cancelled:
			// A service in flight sees the same context and reports the
			// failure itself.
			cancelled = nil
		}

		if ctx.Err() != nil && !m.inFlight && !m.Snapshot().State.IsTerminal() {
			m.mu.Lock()
			m.exitErr = ctx.Err()
			m.mu.Unlock()
			m.logger.Zerolog().Warn().Str("state", string(m.Snapshot().State)).Msg("Run interrupted")
			break
		}
	}
	m.finish()
}

func (m *Machine) handle(e Event) error {
	snap, effect, path, err := next(m.Snapshot(), e)
	if err != nil {
		return err
	}
	m.commit(e, path, snap)
	m.invoke(effect, snap)
	return nil
}

func (m *Machine) commit(e Event, path []State, snap Snapshot) {
	now := time.Now()

	m.mu.Lock()
	from := m.snapshot.State
	transitions := make([]Transition, 0, len(path))
	for _, to := range path {
		transitions = append(transitions, Transition{From: from, To: to, Event: e.Type, At: now})
		from = to
	}
	m.history = append(m.history, transitions...)
	m.snapshot = snap
	m.mu.Unlock()

	for _, tr := range transitions {
		m.logger.Zerolog().Debug().Str("from", string(tr.From)).Str("to", string(tr.To)).Str("event", string(tr.Event)).Msg("Transition")
		if tr.To == StateWaitingForApproval {
			m.metrics.SetAwaitingApproval(true)
		}
		if tr.From == StateWaitingForApproval {
			m.metrics.SetAwaitingApproval(false)
		}
		for _, hook := range m.hooks {
			hook(tr)
		}
	}
}

// finish records the end of the run. Called once, on the machine goroutine.
func (m *Machine) finish() {
	snap := m.Snapshot()
	m.metrics.RecordRunCompleted(string(snap.Context.TargetAction), string(snap.State), time.Since(m.startedAt))
	if snap.State == StateWaitingForApproval {
		m.metrics.SetAwaitingApproval(false)
	}

	evt := m.logger.Zerolog().Info()
	if snap.State == StateError {
		evt = m.logger.Zerolog().Error().Str("message", snap.Context.Message)
	}
	evt.Str("state", string(snap.State)).Dur("duration", time.Since(m.startedAt)).Msg("Run finished")

	if m.runSpan != nil {
		m.runSpan.SetAttributes(telemetry.AttrRunState.String(string(snap.State)))
		if plan := snap.Context.TargetStackPlan; plan != nil {
			m.runSpan.SetAttributes(telemetry.AttrNeedsApply.Bool(plan.NeedsApply))
		}
		if snap.State == StateError {
			telemetry.RecordError(m.runSpan, fmt.Errorf("%s", snap.Context.Message))
		} else {
			telemetry.RecordSuccess(m.runSpan)
		}
		m.runSpan.End()
	}
}

// invoke starts the service named by effect in its own goroutine. The
// service reports back through m.completions.
func (m *Machine) invoke(effect Effect, snap Snapshot) {
	if effect == EffectNone {
		return
	}
	m.inFlight = true

	inv := Invocation{
		RunID:    m.runID,
		Context:  snap.Context,
		Observer: m.observer,
		Logger:   m.logger.WithPhase(string(snap.State)),
	}
	ctx := m.spanCtx
	phase := string(snap.State)

	go func() {
		var span trace.Span
		if m.tracer != nil {
			ctx, span = m.tracer.StartPhaseSpan(ctx, phase)
		}
		timer := telemetry.NewTimer()

		ev := m.call(ctx, effect, inv)

		outcome := "success"
		if ev.Type == eventServiceFailed {
			outcome = "failure"
			m.metrics.RecordError(string(engine.ClassOf(ev.Err)))
			inv.Logger.Zerolog().Error().Err(ev.Err).Msg("Phase failed")
		}
		m.metrics.RecordPhase(phase, outcome, timer.Duration())
		if span != nil {
			if ev.Err != nil {
				telemetry.RecordError(span, ev.Err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}

		m.completions <- ev
	}()
}

// call runs one service, turning errors and panics into serviceFailed.
func (m *Machine) call(ctx context.Context, effect Effect, inv Invocation) (ev Event) {
	defer func() {
		if r := recover(); r != nil {
			inv.Logger.Zerolog().Error().Interface("panic", r).Str("stack_trace", string(debug.Stack())).Msg("Service panicked")
			ev = serviceFailed(engine.NewInternalError(fmt.Sprintf("%s service panicked: %v", effect, r), nil))
		}
	}()

	switch effect {
	case EffectSynth:
		list, err := m.services.Synth(ctx, inv)
		if err != nil {
			return serviceFailed(err)
		}
		return synthDone(list)
	case EffectPlan:
		res, err := m.services.Plan(ctx, inv)
		if err != nil {
			return serviceFailed(err)
		}
		return planDone(res)
	case EffectDeploy:
		if err := m.services.Deploy(ctx, inv); err != nil {
			return serviceFailed(err)
		}
		return applyDone()
	case EffectDestroy:
		if err := m.services.Destroy(ctx, inv); err != nil {
			return serviceFailed(err)
		}
		return applyDone()
	case EffectGatherOutput:
		res, err := m.services.GatherOutput(ctx, inv)
		if err != nil {
			return serviceFailed(err)
		}
		return outputDone(res)
	default:
		return serviceFailed(engine.NewInternalError(fmt.Sprintf("unknown effect %q", effect), nil))
	}
}
