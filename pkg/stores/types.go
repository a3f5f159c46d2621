package stores

import (
	"context"
	"time"
)

// RunStatus is the lifecycle status of a recorded run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug EventLevel = "debug"
	EventLevelInfo  EventLevel = "info"
	EventLevelError EventLevel = "error"
)

// Run is one recorded execution of the project machine.
type Run struct {
	ID          string     `json:"id"`
	Action      string     `json:"action"`
	Stack       string     `json:"stack"`
	Status      RunStatus  `json:"status"`
	State       string     `json:"state"` // final machine state
	Message     *string    `json:"message,omitempty"`
	ClientKind  string     `json:"client_kind"`
	NeedsApply  bool       `json:"needs_apply"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Event is an append-only record of a progress event or state transition.
type Event struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Type      string     `json:"type"`
	Stack     string     `json:"stack"`
	State     string     `json:"state"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Output is one stack output captured by an output run.
type Output struct {
	RunID       string  `json:"run_id"`
	Name        string  `json:"name"`
	ConstructID *string `json:"construct_id,omitempty"`
	Value       string  `json:"value"` // JSON encoded
}

// AuditEntry records a decision made by an operator, such as an approval.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the run history persistence interface.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, level *EventLevel, limit, offset int) ([]*Event, error)

	SaveOutputs(ctx context.Context, runID string, outputs []Output) error
	ListOutputs(ctx context.Context, runID string) ([]Output, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	HealthCheck(ctx context.Context) error
}
