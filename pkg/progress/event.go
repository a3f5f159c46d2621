// Package progress defines the progress events a run reports to its driver
// and a publisher that fans them out to subscribers in order.
package progress

import (
	"time"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// EventType identifies the kind of progress event.
type EventType string

const (
	// EventStackSelected is emitted once the target stack has been resolved.
	EventStackSelected EventType = "STACK_SELECTED"

	// EventLog carries one log line produced by the engine.
	EventLog EventType = "LOG"

	// EventResourceUpdate carries a raw apply/destroy output chunk and the
	// resource records parsed from it.
	EventResourceUpdate EventType = "RESOURCE_UPDATE"
)

// Event is a progress notification. Which fields are set depends on Type.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type EventType `json:"type"`

	// RunID is the run that produced the event.
	RunID string `json:"run_id,omitempty"`

	// StackName is the stack the event belongs to.
	StackName string `json:"stack_name"`

	// StateName is the phase that produced a LOG or RESOURCE_UPDATE event
	// (plan, deploy, destroy).
	StateName string `json:"state_name,omitempty"`

	// Message is the log line of a LOG event.
	Message string `json:"message,omitempty"`

	// IsError marks LOG lines read from standard error.
	IsError bool `json:"is_error,omitempty"`

	// Stdout is the raw chunk of a RESOURCE_UPDATE event.
	Stdout string `json:"stdout,omitempty"`

	// UpdatedResources are the records parsed from Stdout. May be empty.
	UpdatedResources []engine.ResourceUpdate `json:"updated_resources,omitempty"`
}

// StackSelected builds a STACK_SELECTED event.
func StackSelected(stack string) Event {
	return Event{Type: EventStackSelected, StackName: stack}
}

// Log builds a LOG event.
func Log(stack, state, message string, isError bool) Event {
	return Event{Type: EventLog, StackName: stack, StateName: state, Message: message, IsError: isError}
}

// ResourceUpdate builds a RESOURCE_UPDATE event, parsing the chunk.
func ResourceUpdate(stack, state string, chunk []byte) Event {
	text := string(chunk)
	return Event{
		Type:             EventResourceUpdate,
		StackName:        stack,
		StateName:        state,
		Stdout:           text,
		UpdatedResources: engine.ParseResourceUpdates(text),
	}
}

// Observer receives progress events. Implementations must not block for long:
// events are delivered on the run's goroutines.
type Observer interface {
	OnProgress(event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event Event)

// OnProgress calls f(event).
func (f ObserverFunc) OnProgress(event Event) {
	f(event)
}

// Nop is an Observer that discards every event.
var Nop Observer = ObserverFunc(func(Event) {})
