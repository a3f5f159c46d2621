package project

import (
	"errors"
	"fmt"

	"github.com/openfroyo/stackrun/pkg/engine"
)

var (
	// ErrEventNotAccepted is returned for events the current state does not handle.
	ErrEventNotAccepted = errors.New("event not accepted in current state")

	// ErrMachineStopped is returned for events sent after a terminal state.
	ErrMachineStopped = errors.New("machine has stopped")

	// ErrNotStarted is returned when a machine is used before Start.
	ErrNotStarted = errors.New("machine not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("machine already started")
)

// planFailurePrefix precedes every diff failure message.
const planFailurePrefix = "Error running plan: "

// Next computes the transition for event e in snapshot s. It is pure: the
// input snapshot is never modified. The returned effect names the service the
// new state needs; EffectNone means nothing to invoke. Unhandled events
// return the unchanged snapshot and an error wrapping ErrEventNotAccepted
// (or ErrMachineStopped once the machine is terminal).
func Next(s Snapshot, e Event) (Snapshot, Effect, error) {
	out, effect, _, err := next(s, e)
	return out, effect, err
}

// next is Next plus the list of states entered, in order, which includes
// eventless pass-through states such as approved.
func next(s Snapshot, e Event) (Snapshot, Effect, []State, error) {
	if s.State.IsTerminal() {
		return s, EffectNone, nil, fmt.Errorf("%w: %s received in state %s", ErrMachineStopped, e.Type, s.State)
	}

	t := &transition{snap: s}
	var err error
	switch s.State {
	case StateIdle:
		err = t.idle(e)
	case StateSynth:
		err = t.synth(e)
	case StateDiff:
		err = t.diff(e)
	case StateWaitingForApproval:
		err = t.waitingForApproval(e)
	case StateDeploy, StateDestroy:
		err = t.apply(e)
	case StateGatherOutput:
		err = t.gatherOutput(e)
	default:
		err = errNotAccepted(s.State, e)
	}
	if err != nil {
		return s, EffectNone, nil, err
	}
	return t.snap, t.effect, t.path, nil
}

func errNotAccepted(state State, e Event) error {
	return fmt.Errorf("%w: %s in state %s", ErrEventNotAccepted, e.Type, state)
}

// transition accumulates the result of one Next call.
type transition struct {
	snap   Snapshot
	effect Effect
	path   []State
}

func (t *transition) enter(state State, effect Effect) {
	t.snap.State = state
	t.effect = effect
	t.path = append(t.path, state)
}

// fail moves to the error state. The message is never empty.
func (t *transition) fail(message string) {
	if message == "" {
		message = "unknown error"
	}
	t.snap.Context.Message = message
	t.enter(StateError, EffectNone)
}

func (t *transition) idle(e Event) error {
	if e.Type != EventStart {
		return errNotAccepted(StateIdle, e)
	}
	if err := e.Action.Validate(); err != nil {
		return engine.NewUsageError("cannot start run", err).WithCode(engine.ErrCodeInvalidAction)
	}
	t.snap.Context = ExecutionContext{
		TargetAction: e.Action,
		TargetStack:  e.Stack,
		AutoApprove:  e.AutoApprove,
	}
	t.enter(StateSynth, EffectSynth)
	return nil
}

func (t *transition) synth(e Event) error {
	switch e.Type {
	case eventSynthDone:
		if t.snap.Context.SynthesizedStacks != nil {
			t.fail("internal error: synthesized stacks were already recorded for this run")
			return nil
		}
		t.snap.Context.SynthesizedStacks = e.Stacks
		switch t.snap.Context.TargetAction {
		case ActionSynth:
			t.enter(StateDone, EffectNone)
		case ActionOutput:
			t.enter(StateGatherOutput, EffectGatherOutput)
		default:
			t.enter(StateDiff, EffectPlan)
		}
		return nil
	case eventServiceFailed:
		t.fail(errorMessage(e.Err))
		return nil
	default:
		return errNotAccepted(StateSynth, e)
	}
}

func (t *transition) diff(e Event) error {
	switch e.Type {
	case eventPlanDone:
		ctx := &t.snap.Context
		if ctx.TargetStackPlan != nil {
			t.fail("internal error: a plan was already recorded for this run")
			return nil
		}
		if e.Plan == nil {
			t.fail(planFailurePrefix + "the engine returned no plan")
			return nil
		}
		if !t.recordClient(e) {
			return nil
		}
		ctx.TargetStackPlan = e.Plan

		switch {
		case ctx.TargetAction == ActionDiff:
			t.enter(StateDone, EffectNone)
		case !e.Plan.NeedsApply:
			t.enter(StateGatherOutput, EffectGatherOutput)
		case ctx.AutoApprove:
			t.approved()
		default:
			t.enter(StateWaitingForApproval, EffectNone)
		}
		return nil
	case eventServiceFailed:
		t.fail(planFailureMessage(e.Err))
		return nil
	default:
		return errNotAccepted(StateDiff, e)
	}
}

func (t *transition) waitingForApproval(e Event) error {
	switch e.Type {
	case EventApprovalAborted:
		t.enter(StateDone, EffectNone)
		return nil
	case EventApprovalGiven:
		t.approved()
		return nil
	default:
		return errNotAccepted(StateWaitingForApproval, e)
	}
}

// approved is the eventless pass-through between approval and execution.
func (t *transition) approved() {
	t.enter(StateApproved, EffectNone)
	switch t.snap.Context.TargetAction {
	case ActionDeploy:
		t.enter(StateDeploy, EffectDeploy)
	case ActionDestroy:
		t.enter(StateDestroy, EffectDestroy)
	default:
		t.fail(fmt.Sprintf("internal error: action %q cannot be approved", t.snap.Context.TargetAction))
	}
}

func (t *transition) apply(e Event) error {
	switch e.Type {
	case eventApplyDone:
		t.enter(StateGatherOutput, EffectGatherOutput)
		return nil
	case eventServiceFailed:
		t.fail(errorMessage(e.Err))
		return nil
	default:
		return errNotAccepted(t.snap.State, e)
	}
}

func (t *transition) gatherOutput(e Event) error {
	switch e.Type {
	case eventOutputDone:
		ctx := &t.snap.Context
		if ctx.Outputs != nil {
			t.fail("internal error: outputs were already recorded for this run")
			return nil
		}
		if !t.recordClient(e) {
			return nil
		}
		ctx.Outputs = e.Outputs
		if ctx.Outputs == nil {
			ctx.Outputs = map[string]interface{}{}
		}
		ctx.OutputsByConstructID = e.OutputsByConstructID
		if ctx.OutputsByConstructID == nil {
			ctx.OutputsByConstructID = map[string]interface{}{}
		}
		t.enter(StateDone, EffectNone)
		return nil
	case eventServiceFailed:
		t.fail(errorMessage(e.Err))
		return nil
	default:
		return errNotAccepted(StateGatherOutput, e)
	}
}

// recordClient stores the client kind and resolved stack the first time a
// phase reports them, and fails the run if a later phase reports different
// ones.
func (t *transition) recordClient(e Event) bool {
	ctx := &t.snap.Context
	if e.ResolvedStack != "" {
		if ctx.ResolvedStack != "" && ctx.ResolvedStack != e.ResolvedStack {
			t.fail(fmt.Sprintf("internal error: stack resolved to %q, previously %q", e.ResolvedStack, ctx.ResolvedStack))
			return false
		}
		ctx.ResolvedStack = e.ResolvedStack
	}
	if e.ClientKind != "" {
		if ctx.ClientKind != "" && ctx.ClientKind != e.ClientKind {
			t.fail(fmt.Sprintf("internal error: engine client changed from %s to %s", ctx.ClientKind, e.ClientKind))
			return false
		}
		ctx.ClientKind = e.ClientKind
	}
	return true
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// planFailureMessage prefers captured stderr over the error text.
func planFailureMessage(err error) string {
	if stderr := engine.Stderr(err); stderr != "" {
		return planFailurePrefix + stderr
	}
	if err == nil {
		return planFailurePrefix + "unknown error"
	}
	return planFailurePrefix + err.Error()
}
