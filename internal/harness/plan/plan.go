// Package plan parses implementation plans into workflow state. The
// primary format is structured Markdown with a Task Groups table; a
// JSON form is accepted as a fallback for machine-written plans.
package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hyh-dev/harness/internal/harness/state"
)

// Task ids end up in shell commands and filesystem paths, so they are
// restricted to characters with no metacharacter meaning anywhere.
var safeTaskID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

var (
	goalRe     = regexp.MustCompile(`\*\*Goal:\*\*\s*(.+)`)
	groupRowRe = regexp.MustCompile(`\|\s*Group\s*(\d+)\s*\|\s*([\w.,\s-]+)\s*\|`)
	taskHeadRe = regexp.MustCompile(`(?m)^### Task\s+([\w.-]+)\s*(?::\s*(.*))?$`)
)

func validateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if !safeTaskID.MatchString(id) {
		return fmt.Errorf("invalid task id %q: ids must start with an alphanumeric and contain only letters, digits, hyphens, underscores, and dots", id)
	}
	return nil
}

// TaskDefinition is a single task as declared by a plan.
type TaskDefinition struct {
	Description    string   `json:"description"`
	Dependencies   []string `json:"dependencies,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	Role           string   `json:"role,omitempty"`
}

// Definition is a parsed plan: the goal plus tasks in document order.
type Definition struct {
	Goal  string
	Order []string
	Tasks map[string]*TaskDefinition
}

// ValidateDAG checks dependency existence and acyclicity.
func (d *Definition) ValidateDAG() error {
	graph := make(map[string][]string, len(d.Tasks))
	for id, t := range d.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := d.Tasks[dep]; !ok {
				return fmt.Errorf("missing dependency: %s (in %s)", dep, id)
			}
		}
		graph[id] = t.Dependencies
	}
	if node := state.DetectCycle(graph); node != "" {
		return fmt.Errorf("dependency cycle detected at: %s", node)
	}
	return nil
}

// ToWorkflowState converts the plan to a fresh workflow with every task
// pending. planPath is recorded for status reporting; pass "" for plans
// read from stdin.
func (d *Definition) ToWorkflowState(planPath string) *state.WorkflowState {
	tasks := make(map[string]*state.Task, len(d.Tasks))
	for id, t := range d.Tasks {
		timeout := t.TimeoutSeconds
		if timeout <= 0 {
			timeout = state.DefaultTimeoutSeconds
		}
		tasks[id] = &state.Task{
			ID:             id,
			Description:    t.Description,
			Status:         state.StatusPending,
			Dependencies:   append([]string(nil), t.Dependencies...),
			TimeoutSeconds: timeout,
			Instructions:   t.Instructions,
			Role:           t.Role,
		}
	}
	st := state.NewWorkflowState(tasks, d.Order)
	st.Goal = d.Goal
	st.PlanPath = planPath
	return st
}

// Parse extracts a plan from document content. Markdown plans are
// recognized by the Goal line plus the Task Groups table; anything else
// is tried as JSON.
func Parse(content string) (*Definition, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("no valid plan found: content is empty or whitespace-only")
	}

	var (
		def *Definition
		err error
	)
	switch {
	case strings.Contains(content, "**Goal:**") && strings.Contains(content, "| Task Group |"):
		def, err = parseMarkdown(content)
	case looksLikeJSON(content):
		def, err = parseJSON(content)
	default:
		return nil, fmt.Errorf("no valid plan found: use `harness plan template` for format reference")
	}
	if err != nil {
		return nil, err
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("no valid plan found: no tasks defined in plan")
	}
	if err := def.ValidateDAG(); err != nil {
		return nil, err
	}
	return def, nil
}

// parseMarkdown reads the structured Markdown format:
//
//  1. goal from `**Goal:** <text>`
//  2. task groups from `| Group N | ids |` table rows
//  3. task bodies from `### Task <id>` headers (colon and description
//     optional)
//
// Tasks in group N depend on all tasks in group N-1. Every task must
// appear both in the table and in the body.
func parseMarkdown(content string) (*Definition, error) {
	goal := "Goal not specified"
	if m := goalRe.FindStringSubmatch(content); m != nil {
		goal = strings.TrimSpace(m[1])
	}

	groups := map[int][]string{}
	for _, m := range groupRowRe.FindAllStringSubmatch(content, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("bad group number %q: %w", m[1], err)
		}
		var ids []string
		for _, raw := range strings.Split(m[2], ",") {
			id := strings.TrimSpace(raw)
			if id == "" {
				continue
			}
			if err := validateTaskID(id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		groups[n] = ids
	}

	// Task bodies run from one heading to the next (or to EOF).
	heads := taskHeadRe.FindAllStringSubmatchIndex(content, -1)
	order := make([]string, 0, len(heads))
	tasks := make(map[string]*TaskDefinition, len(heads))
	for i, h := range heads {
		id := content[h[2]:h[3]]
		if err := validateTaskID(id); err != nil {
			return nil, err
		}
		desc := ""
		if h[4] >= 0 {
			desc = strings.TrimSpace(content[h[4]:h[5]])
		}
		if desc == "" {
			desc = "Task " + id
		}
		end := len(content)
		if i+1 < len(heads) {
			end = heads[i+1][0]
		}
		body := strings.TrimSpace(content[h[1]:end])
		if _, dup := tasks[id]; !dup {
			order = append(order, id)
		}
		tasks[id] = &TaskDefinition{Description: desc, Instructions: body}
	}

	groupIDs := make([]int, 0, len(groups))
	for n := range groups {
		groupIDs = append(groupIDs, n)
	}
	sort.Ints(groupIDs)
	for i, n := range groupIDs {
		if i == 0 {
			continue
		}
		prev := groups[groupIDs[i-1]]
		for _, id := range groups[n] {
			if t, ok := tasks[id]; ok {
				t.Dependencies = append([]string(nil), prev...)
			}
		}
	}

	grouped := map[string]struct{}{}
	for _, ids := range groups {
		for _, id := range ids {
			grouped[id] = struct{}{}
		}
	}

	var orphans []string
	for id := range tasks {
		if _, ok := grouped[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return nil, fmt.Errorf("orphan tasks not in any group: %s. Add them to the Task Groups table", strings.Join(orphans, ", "))
	}

	var phantoms []string
	for id := range grouped {
		if _, ok := tasks[id]; !ok {
			phantoms = append(phantoms, id)
		}
	}
	if len(phantoms) > 0 {
		sort.Strings(phantoms)
		return nil, fmt.Errorf("phantom tasks in table but not in body: %s. Check for typos in ### Task headers (missing space, wrong ID)", strings.Join(phantoms, ", "))
	}

	return &Definition{Goal: goal, Order: order, Tasks: tasks}, nil
}
