package project

import (
	"fmt"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// Action is the user-requested operation a run performs.
type Action string

const (
	// ActionSynth only synthesizes the project.
	ActionSynth Action = "synth"

	// ActionDiff synthesizes and plans one stack.
	ActionDiff Action = "diff"

	// ActionDeploy plans, waits for approval and applies one stack.
	ActionDeploy Action = "deploy"

	// ActionDestroy plans a teardown, waits for approval and destroys one stack.
	ActionDestroy Action = "destroy"

	// ActionOutput synthesizes and reads the outputs of one stack.
	ActionOutput Action = "output"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionSynth, ActionDiff, ActionDeploy, ActionDestroy, ActionOutput:
		return nil
	default:
		return fmt.Errorf("invalid action: %q", string(a))
	}
}

// State is a state of the project execution machine.
type State string

const (
	StateIdle               State = "idle"
	StateSynth              State = "synth"
	StateDiff               State = "diff"
	StateWaitingForApproval State = "waitingForApproval"
	StateApproved           State = "approved"
	StateDeploy             State = "deploy"
	StateDestroy            State = "destroy"
	StateGatherOutput       State = "gatherOutput"
	StateDone               State = "done"
	StateError              State = "error"
)

// IsTerminal returns true if the machine accepts no further events in s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// ExecutionContext is the data a run accumulates. It belongs to exactly one
// machine; every field is written at most once by the transition that owns it.
type ExecutionContext struct {
	// TargetAction is set by START.
	TargetAction Action `json:"target_action"`

	// TargetStack is the requested stack name; empty selects the sole stack.
	TargetStack string `json:"target_stack,omitempty"`

	// AutoApprove skips the approval wait.
	AutoApprove bool `json:"auto_approve"`

	// SynthesizedStacks is set once synth completes, in synthesis order.
	SynthesizedStacks []stacks.Stack `json:"synthesized_stacks,omitempty"`

	// TargetStackPlan is set once diff completes.
	TargetStackPlan *engine.Plan `json:"target_stack_plan,omitempty"`

	// ClientKind is the engine client kind chosen by the first phase that
	// needed one. Later phases reuse it.
	ClientKind engine.ClientKind `json:"client_kind,omitempty"`

	// ResolvedStack is the name of the stack first resolved in this run.
	ResolvedStack string `json:"resolved_stack,omitempty"`

	// Outputs are the flat stack outputs, set by gatherOutput.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// OutputsByConstructID are the outputs keyed by declaring construct.
	OutputsByConstructID map[string]interface{} `json:"outputs_by_construct_id,omitempty"`

	// Message describes the failure that moved the run to the error state.
	Message string `json:"message,omitempty"`
}

// Snapshot is the observable state of a machine.
type Snapshot struct {
	State   State            `json:"state"`
	Context ExecutionContext `json:"context"`
}

// Effect names the service a transition asks the machine to invoke.
type Effect string

const (
	EffectNone         Effect = ""
	EffectSynth        Effect = "synth"
	EffectPlan         Effect = "plan"
	EffectDeploy       Effect = "deploy"
	EffectDestroy      Effect = "destroy"
	EffectGatherOutput Effect = "gatherOutput"
)
