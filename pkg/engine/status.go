package engine

import (
	"encoding/json"
	"fmt"
)

// ClientKind identifies which engine client implementation serves a run.
type ClientKind string

const (
	// ClientKindLocal drives the engine binary as a child process.
	ClientKindLocal ClientKind = "local"
	// ClientKindRemote drives runs on a remote execution service workspace.
	ClientKindRemote ClientKind = "remote"
)

// ResourceAction is the action the engine reports for a resource while applying.
type ResourceAction string

const (
	ResourceActionCreate  ResourceAction = "create"
	ResourceActionUpdate  ResourceAction = "update"
	ResourceActionDestroy ResourceAction = "destroy"
	ResourceActionRead    ResourceAction = "read"
)

// UpdateStatus is the progress of a single resource action.
type UpdateStatus string

const (
	UpdateStatusInProgress UpdateStatus = "in_progress"
	UpdateStatusComplete   UpdateStatus = "complete"
	UpdateStatusErrored    UpdateStatus = "errored"
)

// UnmarshalJSON rejects unknown statuses.
func (s *UpdateStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch status := UpdateStatus(str); status {
	case UpdateStatusInProgress, UpdateStatusComplete, UpdateStatusErrored:
		*s = status
		return nil
	}
	return fmt.Errorf("invalid update status: %s", str)
}
