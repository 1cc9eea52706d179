package state

import (
	"errors"
	"fmt"
)

// ErrNoWorkflow is returned when an operation needs a workflow but no
// state file exists. The daemon maps it to a soft null response, not an
// error envelope.
var ErrNoWorkflow = errors.New("no workflow state: file not found and no cached state")

// NotFoundError reports an operation against a task id that is not in
// the plan.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// OwnershipError reports a mutation attempted by a worker that does not
// hold the task's claim.
type OwnershipError struct {
	TaskID   string
	WorkerID string
	Owner    string
}

func (e *OwnershipError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "nobody"
	}
	return fmt.Sprintf("task %s not claimed by %s (claimed by %s)", e.TaskID, e.WorkerID, owner)
}
