package project

import (
	"context"
	"fmt"
)

// Approver decides whether a planned change may be applied.
type Approver interface {
	Approve(ctx context.Context, snap Snapshot) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, snap Snapshot) (bool, error)

// Approve calls f(ctx, snap).
func (f ApproverFunc) Approve(ctx context.Context, snap Snapshot) (bool, error) {
	return f(ctx, snap)
}

// Run drives a machine from START to a terminal state, asking approver when
// the machine waits for approval. A nil approver aborts every approval. An
// approver error aborts the run and is returned alongside the final snapshot.
func Run(ctx context.Context, services Services, start StartEvent, approver Approver, opts ...Option) (Snapshot, error) {
	waiting := make(chan struct{}, 1)
	opts = append(opts, WithTransitionHook(func(t Transition) {
		if t.To == StateWaitingForApproval {
			waiting <- struct{}{}
		}
	}))

	m := NewMachine(services, opts...)
	if err := m.Start(ctx, start); err != nil {
		return m.Snapshot(), err
	}

	var approveErr error
	for {
		select {
		case <-waiting:
			approved := false
			if approver != nil {
				approved, approveErr = approver.Approve(ctx, m.Snapshot())
			}
			ev := ApprovalAborted()
			if approved && approveErr == nil {
				ev = ApprovalGiven()
			}
			if err := m.Send(ev); err != nil {
				snap, _ := m.Wait(ctx)
				return snap, fmt.Errorf("failed to answer approval: %w", err)
			}
		case <-m.Done():
			snap, err := m.Wait(ctx)
			if approveErr != nil {
				return snap, fmt.Errorf("approval failed: %w", approveErr)
			}
			return snap, err
		}
	}
}
