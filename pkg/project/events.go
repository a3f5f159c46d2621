package project

import (
	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// EventType identifies a machine event.
type EventType string

const (
	// EventStart begins a run. Accepted in idle only.
	EventStart EventType = "START"

	// EventApprovalGiven approves the plan. Accepted in waitingForApproval.
	EventApprovalGiven EventType = "APPROVAL_GIVEN"

	// EventApprovalAborted rejects the plan. Accepted in waitingForApproval.
	EventApprovalAborted EventType = "APPROVAL_ABORTED"

	// Completion events are produced by the machine itself when a service
	// returns. Drivers cannot send them.
	eventSynthDone     EventType = "synthDone"
	eventPlanDone      EventType = "planDone"
	eventApplyDone     EventType = "applyDone"
	eventOutputDone    EventType = "outputDone"
	eventServiceFailed EventType = "serviceFailed"
)

// IsPublic reports whether drivers may send the event.
func (t EventType) IsPublic() bool {
	return t == EventStart || t == EventApprovalGiven || t == EventApprovalAborted
}

// Event is a machine input. Which fields are meaningful depends on Type.
type Event struct {
	Type EventType

	// START
	Action      Action
	Stack       string
	AutoApprove bool

	// Completion payloads
	Stacks               []stacks.Stack
	Plan                 *engine.Plan
	ClientKind           engine.ClientKind
	ResolvedStack        string
	Outputs              map[string]interface{}
	OutputsByConstructID map[string]interface{}
	Err                  error
}

// StartEvent carries the parameters of a run.
type StartEvent struct {
	Action      Action
	Stack       string
	AutoApprove bool
}

// Event converts the start parameters to a START event.
func (s StartEvent) Event() Event {
	return Event{Type: EventStart, Action: s.Action, Stack: s.Stack, AutoApprove: s.AutoApprove}
}

// Start builds a START event.
func Start(action Action, stack string, autoApprove bool) Event {
	return StartEvent{Action: action, Stack: stack, AutoApprove: autoApprove}.Event()
}

// ApprovalGiven builds an APPROVAL_GIVEN event.
func ApprovalGiven() Event {
	return Event{Type: EventApprovalGiven}
}

// ApprovalAborted builds an APPROVAL_ABORTED event.
func ApprovalAborted() Event {
	return Event{Type: EventApprovalAborted}
}

func synthDone(list []stacks.Stack) Event {
	if list == nil {
		list = []stacks.Stack{}
	}
	return Event{Type: eventSynthDone, Stacks: list}
}

func planDone(res PlanResult) Event {
	return Event{Type: eventPlanDone, Plan: res.Plan, ClientKind: res.ClientKind, ResolvedStack: res.Stack}
}

func applyDone() Event {
	return Event{Type: eventApplyDone}
}

func outputDone(res OutputResult) Event {
	return Event{
		Type:                 eventOutputDone,
		Outputs:              res.Outputs,
		OutputsByConstructID: res.OutputsByConstructID,
		ClientKind:           res.ClientKind,
		ResolvedStack:        res.Stack,
	}
}

func serviceFailed(err error) Event {
	return Event{Type: eventServiceFailed, Err: err}
}
