package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StateFileName is the canonical state file, relative to the worktree.
const StateFileName = "dev-workflow-state.json"

// ClaimResult is the outcome of a single atomic claim. The flags are
// computed inside the same critical section as the mutation so callers
// never observe a retry/reclaim race.
type ClaimResult struct {
	Task      *Task
	IsRetry   bool
	IsReclaim bool
}

// Manager owns the in-memory workflow state and its durable JSON file.
//
// Locking: every public method serializes on one mutex. Disk writes are
// atomic (sibling temp file + fsync + rename) and the cached state is
// only replaced after a successful write, so a failed persist leaves
// both memory and disk on the previous version.
type Manager struct {
	worktree  string
	stateFile string

	mu    sync.Mutex
	state *WorkflowState
}

// NewManager creates a manager for the given worktree root. No I/O
// happens until the first operation.
func NewManager(worktree string) *Manager {
	return &Manager{
		worktree:  worktree,
		stateFile: filepath.Join(worktree, ".claude", StateFileName),
	}
}

// StateFile returns the canonical state file path.
func (m *Manager) StateFile() string { return m.stateFile }

// Load reads the state file from disk, replacing any cached state.
// Returns (nil, nil) when no state file exists.
func (m *Manager) Load() (*WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.state = nil
			return nil, nil
		}
		return nil, err
	}
	var st WorkflowState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.stateFile, err)
	}
	if st.Tasks == nil {
		st.Tasks = map[string]*Task{}
	}
	m.state = &st
	return st.Clone(), nil
}

// Save validates and persists a new state, replacing whatever was there.
// This is the plan_import path.
func (m *Manager) Save(st *WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := st.ValidateDAG(); err != nil {
		return err
	}
	st.TaskOrder = st.OrderedIDs()
	if err := m.writeAtomic(st); err != nil {
		return err
	}
	m.state = st
	return nil
}

// Update applies field-wise updates to the workflow metadata (and,
// when "tasks" is present, the task map). Values arrive as decoded JSON
// from a client that deliberately does no coercion, so string→bool and
// similar conversions happen here, against the schema. Unknown fields
// and incompatible types are rejected rather than silently coerced.
func (m *Manager) Update(updates map[string]any) (*WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return nil, err
	}

	next := st.Clone()
	for field, raw := range updates {
		if err := applyUpdate(next, field, raw); err != nil {
			return nil, err
		}
	}
	if err := next.ValidateDAG(); err != nil {
		return nil, err
	}
	next.TaskOrder = next.OrderedIDs()
	if err := m.writeAtomic(next); err != nil {
		return nil, err
	}
	m.state = next
	return next.Clone(), nil
}

func applyUpdate(st *WorkflowState, field string, raw any) error {
	switch field {
	case "goal", "plan_path", "base_commit", "last_commit", "workflow":
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", field, raw)
		}
		switch field {
		case "goal":
			st.Goal = s
		case "plan_path":
			st.PlanPath = s
		case "base_commit":
			st.BaseCommit = s
		case "last_commit":
			st.LastCommit = s
		case "workflow":
			st.Workflow = s
		}
	case "enabled":
		switch v := raw.(type) {
		case bool:
			st.Enabled = v
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				st.Enabled = true
			case "false":
				st.Enabled = false
			default:
				return fmt.Errorf("field enabled: cannot coerce %q to bool", v)
			}
		default:
			return fmt.Errorf("field enabled: expected bool, got %T", raw)
		}
	case "tasks":
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("field tasks: expected object, got %T", raw)
		}
		tasks := make(map[string]*Task, len(obj))
		for id, tv := range obj {
			b, err := json.Marshal(tv)
			if err != nil {
				return fmt.Errorf("field tasks[%s]: %w", id, err)
			}
			dec := json.NewDecoder(strings.NewReader(string(b)))
			dec.DisallowUnknownFields()
			var t Task
			if err := dec.Decode(&t); err != nil {
				return fmt.Errorf("field tasks[%s]: %w", id, err)
			}
			if t.ID == "" {
				t.ID = id
			}
			if t.Status == "" {
				t.Status = StatusPending
			}
			if t.TimeoutSeconds == 0 {
				t.TimeoutSeconds = DefaultTimeoutSeconds
			}
			tasks[id] = &t
		}
		st.Tasks = tasks
		st.TaskOrder = st.OrderedIDs()
	default:
		return fmt.Errorf("unknown field: %s", field)
	}
	return nil
}

// ClaimTask atomically hands the next available task to workerID.
//
// The whole find-then-mutate-then-persist sequence is one critical
// section, so concurrent claims against the same candidate produce
// exactly one winner. A worker re-claiming its own live task gets it
// back with the lease renewed (started_at moved to now), which is what
// makes crash-retry safe without exposing the task to theft.
func (m *Manager) ClaimTask(workerID string) (*ClaimResult, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("worker id cannot be empty or whitespace-only")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	// Idempotent retry: the owning worker's live claim wins over any
	// fresh candidate, and every such call extends the lease.
	var pickID string
	for _, id := range st.OrderedIDs() {
		t := st.Tasks[id]
		if t.Status == StatusRunning && t.ClaimedBy == workerID && !t.IsTimedOut(now) {
			pickID = id
			break
		}
	}

	if pickID == "" {
		// First claimable task in insertion order: pending with all deps
		// completed, or a running task whose lease expired (zombie).
		for _, id := range st.OrderedIDs() {
			t := st.Tasks[id]
			if (t.Status == StatusPending && st.depsCompleted(t)) ||
				(t.Status == StatusRunning && t.IsTimedOut(now)) {
				pickID = id
				break
			}
		}
	}
	if pickID == "" {
		return &ClaimResult{}, nil
	}

	// A timed-out task picked up by its own worker is still a retry;
	// reclaim means ownership actually transferred.
	prev := st.Tasks[pickID]
	isRetry := prev.Status == StatusRunning && prev.ClaimedBy == workerID
	isReclaim := prev.Status == StatusRunning && prev.ClaimedBy != workerID

	next := st.Clone()
	t := next.Tasks[pickID]
	ts := now
	t.Status = StatusRunning
	t.StartedAt = &ts
	t.CompletedAt = nil
	t.ClaimedBy = workerID

	if err := m.writeAtomic(next); err != nil {
		return nil, err
	}
	m.state = next
	return &ClaimResult{Task: t.clone(), IsRetry: isRetry, IsReclaim: isReclaim}, nil
}

// CompleteTask marks a task completed after validating ownership.
// Completion by the owner is allowed even past the lease deadline; the
// lease gates theft, not legitimate late finishes.
func (m *Manager) CompleteTask(taskID, workerID string) (*Task, error) {
	return m.finish(taskID, workerID, StatusCompleted)
}

// FailTask marks a task failed after validating ownership.
func (m *Manager) FailTask(taskID, workerID string) (*Task, error) {
	return m.finish(taskID, workerID, StatusFailed)
}

func (m *Manager) finish(taskID, workerID string, status TaskStatus) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return nil, err
	}
	prev, ok := st.Tasks[taskID]
	if !ok {
		return nil, &NotFoundError{TaskID: taskID}
	}
	if prev.ClaimedBy != workerID {
		return nil, &OwnershipError{TaskID: taskID, WorkerID: workerID, Owner: prev.ClaimedBy}
	}

	next := st.Clone()
	t := next.Tasks[taskID]
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now

	if err := m.writeAtomic(next); err != nil {
		return nil, err
	}
	m.state = next
	return t.clone(), nil
}

// Snapshot returns a deep copy of the current state, lazy-loading from
// disk. Returns (nil, nil) when no workflow exists.
func (m *Manager) Snapshot() (*WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		if errors.Is(err, ErrNoWorkflow) {
			return nil, nil
		}
		return nil, err
	}
	return st.Clone(), nil
}

// Reset clears all workflow state, deleting the state file if present.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.stateFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	m.state = nil
	return nil
}

// ensureLoaded lazy-loads from disk. Caller must hold the lock.
func (m *Manager) ensureLoaded() (*WorkflowState, error) {
	if m.state != nil {
		return m.state, nil
	}
	b, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoWorkflow
		}
		return nil, err
	}
	var st WorkflowState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.stateFile, err)
	}
	if st.Tasks == nil {
		st.Tasks = map[string]*Task{}
	}
	m.state = &st
	return m.state, nil
}

// writeAtomic persists via sibling temp + fsync + rename. The canonical
// path is never written in place, so external readers see either the
// full old file or the full new one. Caller must hold the lock.
func (m *Manager) writeAtomic(st *WorkflowState) error {
	dir := filepath.Dir(m.stateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.stateFile + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.stateFile)
}
