package policy

import (
	"time"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity reject a plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the engine address of the offending resource, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// String formats the violation for display.
func (v Violation) String() string {
	if v.Resource == "" {
		return v.Policy + ": " + v.Message
	}
	return v.Policy + ": " + v.Resource + ": " + v.Message
}

// Result represents the result of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Stack   string    `json:"stack"`
	Action  string    `json:"action"`
	Plan    PlanInput `json:"plan"`
	Context Context   `json:"context"`
}

// PlanInput is the part of a plan exposed to policies.
type PlanInput struct {
	NeedsApply      bool                    `json:"needs_apply"`
	ResourceChanges []engine.ResourceChange `json:"resource_changes"`
	Summary         engine.PlanSummary      `json:"summary"`
}

// Context provides information about the evaluation itself.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user,omitempty"`
}

// NewInput builds the policy input for a plan of stack.
func NewInput(stack, action string, plan *engine.Plan) Input {
	in := Input{
		Stack:  stack,
		Action: action,
		Plan: PlanInput{
			ResourceChanges: []engine.ResourceChange{},
		},
		Context: Context{Timestamp: time.Now().UTC()},
	}
	if plan != nil {
		in.Plan.NeedsApply = plan.NeedsApply
		in.Plan.Summary = plan.Summary()
		if plan.ResourceChanges != nil {
			in.Plan.ResourceChanges = plan.ResourceChanges
		}
	}
	return in
}
