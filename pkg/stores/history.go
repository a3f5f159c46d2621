package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stackrun/pkg/progress"
	"github.com/openfroyo/stackrun/pkg/project"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// Audit actions recorded by History.
const (
	AuditApprovalGiven   = "approval.given"
	AuditApprovalAborted = "approval.aborted"
)

// EventTypeTransition marks events that record a machine state change.
const EventTypeTransition = "TRANSITION"

const writeTimeout = 5 * time.Second

// History records project runs into a Store. Progress events and transitions
// arrive without a context, so their writes use a short timeout of their own
// and failures are logged rather than returned.
type History struct {
	store  Store
	logger zerolog.Logger
}

// NewHistory creates a run recorder.
func NewHistory(store Store, logger zerolog.Logger) *History {
	return &History{
		store:  store,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Begin records the start of a run.
func (h *History) Begin(ctx context.Context, runID string, start project.StartEvent) error {
	meta, err := json.Marshal(map[string]interface{}{
		"auto_approve": start.AutoApprove,
	})
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}

	return h.store.CreateRun(ctx, &Run{
		ID:        runID,
		Action:    string(start.Action),
		Stack:     start.Stack,
		Status:    RunStatusRunning,
		State:     string(project.StateIdle),
		StartedAt: time.Now().UTC(),
		Metadata:  string(meta),
	})
}

// Observer returns a progress observer that appends every event of the run.
func (h *History) Observer(runID string) progress.Observer {
	return progress.ObserverFunc(func(event progress.Event) {
		h.append(progressEvent(runID, event))
	})
}

// Hook returns a transition hook that appends every state change of the run.
func (h *History) Hook(runID string) func(project.Transition) {
	return func(t project.Transition) {
		h.append(&Event{
			RunID:     runID,
			Type:      EventTypeTransition,
			State:     string(t.To),
			Level:     EventLevelDebug,
			Message:   fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Event),
			Timestamp: t.At.UTC(),
		})
	}
}

// Approval records an operator decision on a run's plan.
func (h *History) Approval(ctx context.Context, runID, actor string, approved bool) error {
	action := AuditApprovalAborted
	if approved {
		action = AuditApprovalGiven
	}
	return h.store.CreateAuditEntry(ctx, &AuditEntry{
		Action:   action,
		Actor:    actor,
		TargetID: &runID,
	})
}

// Finish records the final snapshot of a run. runErr is the error returned
// by the caller's wait, if any; a run that never reached a terminal state is
// recorded as interrupted.
func (h *History) Finish(ctx context.Context, runID string, snap project.Snapshot, runErr error) error {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	c := snap.Context
	now := time.Now().UTC()
	run.State = string(snap.State)
	run.CompletedAt = &now
	run.ClientKind = string(c.ClientKind)
	if c.ResolvedStack != "" {
		run.Stack = c.ResolvedStack
	}
	if c.TargetStackPlan != nil {
		run.NeedsApply = c.TargetStackPlan.NeedsApply
	}

	switch {
	case snap.State == project.StateDone:
		run.Status = RunStatusSucceeded
	case snap.State == project.StateError:
		run.Status = RunStatusFailed
		msg := c.Message
		run.Message = &msg
	default:
		run.Status = RunStatusInterrupted
		if runErr != nil {
			msg := runErr.Error()
			run.Message = &msg
		}
	}

	if err := h.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if c.TargetAction != project.ActionOutput || c.Outputs == nil {
		return nil
	}
	outputs, err := outputRecords(runID, c)
	if err != nil {
		return err
	}
	return h.store.SaveOutputs(ctx, runID, outputs)
}

func (h *History) append(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.store.AppendEvent(ctx, event); err != nil {
		h.logger.Warn().Err(err).Str("run_id", event.RunID).Str("type", event.Type).Msg("Failed to record run event")
	}
}

func progressEvent(runID string, event progress.Event) *Event {
	e := &Event{
		RunID:     runID,
		Type:      string(event.Type),
		Stack:     event.StackName,
		State:     event.StateName,
		Level:     EventLevelInfo,
		Message:   event.Message,
		Timestamp: event.Timestamp.UTC(),
	}
	if event.IsError {
		e.Level = EventLevelError
	}
	if event.Type == progress.EventResourceUpdate {
		e.Message = event.Stdout
		if len(event.UpdatedResources) > 0 {
			if data, err := json.Marshal(event.UpdatedResources); err == nil {
				details := string(data)
				e.Details = &details
			}
		}
	}
	return e
}

// outputRecords flattens the outputs of an output run, attributing each to
// its declaring construct when the stack's manifest names one.
func outputRecords(runID string, c project.ExecutionContext) ([]Output, error) {
	constructs := make(map[string]string)
	if stack, err := stacks.Resolve(c.SynthesizedStacks, c.ResolvedStack); err == nil {
		if m, err := stack.Manifest(); err == nil {
			if decls, err := m.Outputs(); err == nil {
				for _, d := range decls {
					if d.ConstructID != "" {
						constructs[d.Name] = d.ConstructID
					}
				}
			}
		}
	}

	names := make([]string, 0, len(c.Outputs))
	for name := range c.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	outputs := make([]Output, 0, len(names))
	for _, name := range names {
		value, err := json.Marshal(c.Outputs[name])
		if err != nil {
			return nil, fmt.Errorf("failed to encode output %q: %w", name, err)
		}
		o := Output{RunID: runID, Name: name, Value: string(value)}
		if id, ok := constructs[name]; ok {
			o.ConstructID = &id
		}
		outputs = append(outputs, o)
	}
	return outputs, nil
}
