package plan

// Template returns a reference plan document agents can copy from.
func Template() string {
	return `# Plan Template

## Recommended: Structured Markdown

` + "```markdown" + `
# Implementation Plan Title

**Goal:** One sentence description of the objective

**Architecture:** Brief architectural summary

---

## Task Groups

| Task Group | Tasks | Rationale |
|------------|-------|-----------|
| Group 1    | 1, 2  | Core infrastructure (parallel) |
| Group 2    | 3     | Feature (depends on Group 1) |
| Group 3    | 4     | Tests (depends on Group 2) |

---

### Task 1: Create User Model

**Files:**
- Create: ` + "`src/models/user.go`" + `

**Step 1: Write failing test**

**Step 2: Implement minimal code**

### Task 2: Add Password Hashing

**Files:**
- Modify: ` + "`src/models/user.go`" + `

### Task 3: Create Login Endpoint

**Files:**
- Create: ` + "`src/routes/auth.go`" + `

### Task 4: Integration Tests

**Files:**
- Create: ` + "`tests/auth_integration_test.go`" + `
` + "```" + `

**Dependency Rules:**
- Tasks in Group N depend on ALL tasks in Group N-1
- Tasks within the same group are independent (can run in parallel)

## Alternative: JSON

` + "```json" + `
{
  "goal": "One sentence description of the objective",
  "tasks": {
    "1": {"description": "Create user model"},
    "2": {"description": "Add password hashing"},
    "3": {"description": "Create login endpoint", "dependencies": ["1", "2"]},
    "4": {"description": "Integration tests", "dependencies": ["3"], "timeout_seconds": 1200}
  }
}
` + "```" + `
`
}
