package state

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the task execution status.
//
// State machine: pending → running → completed | failed. A timed-out
// running task may be reclaimed (running again, new owner).
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// DefaultTimeoutSeconds is the claim lease length when a plan does not specify one.
const DefaultTimeoutSeconds = 600

// Task is a single node in the workflow DAG.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds"`

	Instructions string `json:"instructions,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Validate checks the per-task invariants that must hold before any persist.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id cannot be empty or whitespace-only")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("task %s: description is required", t.ID)
	}
	switch t.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	if t.TimeoutSeconds <= 0 {
		return fmt.Errorf("task %s: timeout_seconds must be positive", t.ID)
	}
	seen := map[string]struct{}{}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("task %s: duplicate dependency %s", t.ID, dep)
		}
		seen[dep] = struct{}{}
	}
	if t.Status == StatusRunning && (t.StartedAt == nil || t.ClaimedBy == "") {
		return fmt.Errorf("task %s: running tasks require started_at and claimed_by", t.ID)
	}
	if t.Status == StatusCompleted && (t.CompletedAt == nil || t.StartedAt == nil) {
		return fmt.Errorf("task %s: completed tasks require started_at and completed_at", t.ID)
	}
	return nil
}

// IsTimedOut reports whether a running task's lease has expired at now.
// Non-running tasks never time out.
func (t *Task) IsTimedOut(now time.Time) bool {
	if t.Status != StatusRunning || t.StartedAt == nil {
		return false
	}
	deadline := t.StartedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
	return now.After(deadline)
}

// clone returns a deep copy; callers outside the manager only ever see copies.
func (t *Task) clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
