package engine

import (
	"encoding/json"
)

// Plan is the result of planning one stack.
type Plan struct {
	// PlanFile is an opaque reference to the saved plan. For the local engine
	// it is a path on disk, for the remote service the run identifier.
	PlanFile string `json:"plan_file"`

	// NeedsApply is false when the plan contains no changes.
	NeedsApply bool `json:"needs_apply"`

	// ResourceChanges lists the planned changes, in engine order.
	ResourceChanges []ResourceChange `json:"resource_changes,omitempty"`

	// Raw is the engine's machine-readable plan, when one is available.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Summary counts the planned changes by kind.
func (p *Plan) Summary() PlanSummary {
	var s PlanSummary
	if p == nil {
		return s
	}
	for _, rc := range p.ResourceChanges {
		switch {
		case rc.IsReplace():
			s.Replace++
		case rc.Has("create"):
			s.Create++
		case rc.Has("update"):
			s.Update++
		case rc.Has("delete"):
			s.Delete++
		}
	}
	return s
}

// ResourceChange is one planned change as reported by the engine.
type ResourceChange struct {
	// Address is the engine address of the resource (e.g. aws_s3_bucket.logs).
	Address string `json:"address"`

	// Type is the resource type.
	Type string `json:"type,omitempty"`

	// Name is the resource name within its module.
	Name string `json:"name,omitempty"`

	// Actions are the engine actions: no-op, create, read, update, delete.
	Actions []string `json:"actions"`
}

// Has reports whether the change includes the given action.
func (rc ResourceChange) Has(action string) bool {
	for _, a := range rc.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// IsReplace reports whether the change deletes and recreates the resource.
func (rc ResourceChange) IsReplace() bool {
	return rc.Has("create") && rc.Has("delete")
}

// IsNoop reports whether the change leaves the resource untouched.
func (rc ResourceChange) IsNoop() bool {
	for _, a := range rc.Actions {
		if a != "no-op" && a != "read" {
			return false
		}
	}
	return true
}

// PlanSummary contains counts of planned changes.
type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
}

// Total returns the number of resources that will change.
func (s PlanSummary) Total() int {
	return s.Create + s.Update + s.Delete + s.Replace
}

// ResourceUpdate is a resource progress record parsed from engine output.
type ResourceUpdate struct {
	// Address is the engine address of the resource.
	Address string `json:"address"`

	// Action is what the engine is doing to the resource.
	Action ResourceAction `json:"action"`

	// Status is how far along the action is.
	Status UpdateStatus `json:"status"`

	// Elapsed is the engine-reported duration, when present (e.g. "12s").
	Elapsed string `json:"elapsed,omitempty"`

	// ID is the provider-assigned identifier, when present.
	ID string `json:"id,omitempty"`
}
