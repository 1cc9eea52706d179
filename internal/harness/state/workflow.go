package state

import (
	"fmt"
	"sort"
)

// WorkflowState is the full per-worktree workflow: the task DAG plus
// plan metadata. It is persisted as JSON at
// <worktree>/.claude/dev-workflow-state.json.
//
// TaskOrder preserves plan-document order across save/load cycles so
// claim scans stay deterministic; Go maps (and JSON objects) do not.
type WorkflowState struct {
	Tasks     map[string]*Task `json:"tasks"`
	TaskOrder []string         `json:"task_order,omitempty"`

	Goal       string `json:"goal,omitempty"`
	PlanPath   string `json:"plan_path,omitempty"`
	BaseCommit string `json:"base_commit,omitempty"`
	LastCommit string `json:"last_commit,omitempty"`
	Workflow   string `json:"workflow,omitempty"`
	Enabled    bool   `json:"enabled,omitempty"`
}

// NewWorkflowState builds a state from tasks in the given order.
func NewWorkflowState(tasks map[string]*Task, order []string) *WorkflowState {
	if tasks == nil {
		tasks = map[string]*Task{}
	}
	st := &WorkflowState{Tasks: tasks}
	st.TaskOrder = normalizeOrder(order, tasks)
	return st
}

// OrderedIDs returns task ids in claim-scan order. States persisted
// without task_order (or with a stale one) fall back to sorted ids for
// the missing entries, so the scan order is still total and stable.
func (s *WorkflowState) OrderedIDs() []string {
	return normalizeOrder(s.TaskOrder, s.Tasks)
}

// normalizeOrder keeps known ids in the given order and appends any
// tasks the order does not mention, sorted for determinism.
func normalizeOrder(order []string, tasks map[string]*Task) []string {
	out := make([]string, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, id := range order {
		if _, ok := tasks[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	var rest []string
	for id := range tasks {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// ValidateDAG checks dependency existence and acyclicity, plus the
// per-task invariants. Every persist path runs this before writing.
func (s *WorkflowState) ValidateDAG() error {
	for id, t := range s.Tasks {
		if t == nil {
			return fmt.Errorf("task %s is nil", id)
		}
		if t.ID != id {
			return fmt.Errorf("task key %q does not match task id %q", id, t.ID)
		}
		if err := t.Validate(); err != nil {
			return err
		}
		for _, dep := range t.Dependencies {
			if _, ok := s.Tasks[dep]; !ok {
				return fmt.Errorf("missing dependency: %s (required by %s)", dep, id)
			}
		}
	}

	graph := make(map[string][]string, len(s.Tasks))
	for id, t := range s.Tasks {
		graph[id] = t.Dependencies
	}
	if node := DetectCycle(graph); node != "" {
		return fmt.Errorf("dependency cycle detected at: %s", node)
	}
	return nil
}

// depsCompleted reports whether every dependency of t is completed.
func (s *WorkflowState) depsCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.Tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Handlers serialize clones so readers never
// alias manager-owned state.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.Tasks = make(map[string]*Task, len(s.Tasks))
	for id, t := range s.Tasks {
		cp.Tasks[id] = t.clone()
	}
	cp.TaskOrder = append([]string(nil), s.TaskOrder...)
	return &cp
}
