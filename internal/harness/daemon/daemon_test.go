package daemon

import (
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyh-dev/harness/internal/harness/gitexec"
	"github.com/hyh-dev/harness/internal/harness/runtime"
	"github.com/hyh-dev/harness/internal/harness/state"
	"github.com/hyh-dev/harness/internal/harness/trajectory"
)

const testPlan = `**Goal:** test goal

| Task Group | Tasks |
|------------|-------|
| Group 1    | a, b  |
| Group 2    | c     |

### Task a: First
### Task b: Second
### Task c: Third
`

// newTestDaemon wires a daemon around a temp worktree without binding a
// socket; dispatch is exercised directly.
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	wt := t.TempDir()
	lock := runtime.NewExecLock()
	rt := runtime.NewLocal(lock)
	return &Daemon{
		socketPath: filepath.Join(wt, "test.sock"),
		worktree:   wt,
		logger:     log.New(io.Discard, "", 0),
		states:     state.NewManager(wt),
		traj:       trajectory.NewLogger(filepath.Join(wt, ".claude", "trajectory.jsonl")),
		rt:         rt,
		git:        gitexec.New(rt, lock),
		stopped:    make(chan struct{}),
		claims:     map[string]int{},
	}
}

func mustOK(t *testing.T, resp response) map[string]any {
	t.Helper()
	if resp.Status != "ok" {
		t.Fatalf("status = %q (%s), want ok", resp.Status, resp.Message)
	}
	if resp.Data == nil {
		return nil
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", resp.Data)
	}
	return data
}

func importPlan(t *testing.T, d *Daemon) {
	t.Helper()
	resp := d.dispatch(&request{Command: "plan_import", Content: testPlan})
	if resp.Status != "ok" {
		t.Fatalf("plan_import: %s", resp.Message)
	}
}

func TestDispatchPing(t *testing.T) {
	d := newTestDaemon(t)
	data := mustOK(t, d.dispatch(&request{Command: "ping"}))
	if data["running"] != true {
		t.Errorf("running = %v", data["running"])
	}
	if _, ok := data["pid"]; !ok {
		t.Error("pid missing")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.dispatch(&request{Command: "frobnicate"})
	if resp.Status != "error" || !strings.Contains(resp.Message, "unknown command") {
		t.Fatalf("resp = %+v", resp)
	}

	resp = d.dispatch(&request{})
	if resp.Status != "error" || !strings.Contains(resp.Message, "missing command") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestGetStateBeforeImport(t *testing.T) {
	d := newTestDaemon(t)
	resp := d.dispatch(&request{Command: "get_state"})
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Data != nil {
		t.Fatalf("data = %v, want nil", resp.Data)
	}
}

func TestTaskClaimBeforeImport(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.dispatch(&request{Command: "task_claim", WorkerID: "w1"})
	if resp.Status != "ok" {
		t.Fatalf("status = %q (message %q), want ok", resp.Status, resp.Message)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %#v", resp.Data)
	}
	if task, present := data["task"]; !present || task != nil {
		t.Fatalf("task = %v, want explicit null", task)
	}
}

func TestPlanImportAndGetState(t *testing.T) {
	d := newTestDaemon(t)

	data := mustOK(t, d.dispatch(&request{Command: "plan_import", Content: testPlan}))
	if data["goal"] != "test goal" {
		t.Errorf("goal = %v", data["goal"])
	}
	if data["task_count"] != 3 {
		t.Errorf("task_count = %v (%T)", data["task_count"], data["task_count"])
	}

	resp := d.dispatch(&request{Command: "get_state"})
	st, ok := resp.Data.(*state.WorkflowState)
	if !ok {
		t.Fatalf("data is %T", resp.Data)
	}
	if len(st.Tasks) != 3 {
		t.Errorf("got %d tasks", len(st.Tasks))
	}
	if st.Tasks["c"].Dependencies[0] != "a" {
		t.Errorf("c deps = %v", st.Tasks["c"].Dependencies)
	}
}

func TestPlanImportInvalid(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.dispatch(&request{Command: "plan_import", Content: "nonsense"})
	if resp.Status != "error" {
		t.Fatal("want error for invalid plan")
	}
	resp = d.dispatch(&request{Command: "plan_import"})
	if resp.Status != "error" || !strings.Contains(resp.Message, "content") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestClaimCompleteFlow(t *testing.T) {
	d := newTestDaemon(t)
	importPlan(t, d)

	// Two workers drain group 1 in order.
	data := mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w1"}))
	task := data["task"].(*state.Task)
	if task.ID != "a" {
		t.Fatalf("w1 claimed %s, want a", task.ID)
	}
	data = mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w2"}))
	if got := data["task"].(*state.Task).ID; got != "b" {
		t.Fatalf("w2 claimed %s, want b", got)
	}

	// c is blocked until both deps complete.
	data = mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w3"}))
	if data["task"] != nil {
		t.Fatalf("w3 got %v, want nothing claimable", data["task"])
	}

	for _, c := range []struct{ task, worker string }{{"a", "w1"}, {"b", "w2"}} {
		resp := d.dispatch(&request{Command: "task_complete", TaskID: c.task, WorkerID: c.worker})
		if resp.Status != "ok" {
			t.Fatalf("complete %s: %s", c.task, resp.Message)
		}
	}

	data = mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w3"}))
	if got := data["task"].(*state.Task).ID; got != "c" {
		t.Fatalf("w3 claimed %s, want c", got)
	}
}

func TestClaimIdempotentRetry(t *testing.T) {
	d := newTestDaemon(t)
	importPlan(t, d)

	first := mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w1"}))
	again := mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w1"}))

	if first["is_retry"] != false {
		t.Error("first claim marked as retry")
	}
	if again["is_retry"] != true {
		t.Error("second claim not marked as retry")
	}
	if a, b := first["task"].(*state.Task).ID, again["task"].(*state.Task).ID; a != b {
		t.Fatalf("retry got %s, want %s", b, a)
	}
}

func TestCompleteOwnershipValidation(t *testing.T) {
	d := newTestDaemon(t)
	importPlan(t, d)
	mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w1"}))

	resp := d.dispatch(&request{Command: "task_complete", TaskID: "a", WorkerID: "intruder"})
	if resp.Status != "error" || !strings.Contains(resp.Message, "not claimed by") {
		t.Fatalf("resp = %+v", resp)
	}

	resp = d.dispatch(&request{Command: "task_complete", TaskID: "ghost", WorkerID: "w1"})
	if resp.Status != "error" || !strings.Contains(resp.Message, "not found") {
		t.Fatalf("resp = %+v", resp)
	}

	resp = d.dispatch(&request{Command: "task_complete", TaskID: "a"})
	if resp.Status != "error" {
		t.Fatal("missing worker_id should fail")
	}
}

func TestTaskFail(t *testing.T) {
	d := newTestDaemon(t)
	importPlan(t, d)
	mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w1"}))

	resp := d.dispatch(&request{Command: "task_fail", TaskID: "a", WorkerID: "w1"})
	if resp.Status != "ok" {
		t.Fatalf("task_fail: %s", resp.Message)
	}

	st := d.dispatch(&request{Command: "get_state"}).Data.(*state.WorkflowState)
	if st.Tasks["a"].Status != state.StatusFailed {
		t.Fatalf("status = %s, want failed", st.Tasks["a"].Status)
	}
}

func TestStatusSummaryAndFilter(t *testing.T) {
	d := newTestDaemon(t)

	// Before any plan: inactive with zero counts.
	data := mustOK(t, d.dispatch(&request{Command: "status"}))
	if data["active"] != false {
		t.Errorf("active = %v", data["active"])
	}

	importPlan(t, d)
	mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w1"}))

	data = mustOK(t, d.dispatch(&request{Command: "status"}))
	summary := data["summary"].(map[string]int)
	if summary["total"] != 3 || summary["running"] != 1 || summary["pending"] != 2 {
		t.Errorf("summary = %v", summary)
	}
	workers := data["active_workers"].([]string)
	if len(workers) != 1 || workers[0] != "w1" {
		t.Errorf("active_workers = %v", workers)
	}
	events := data["events"].([]map[string]any)
	if len(events) == 0 {
		t.Error("no trajectory events in status")
	}

	data = mustOK(t, d.dispatch(&request{Command: "status", TaskFilter: "[ab]"}))
	tasks := data["tasks"].(map[string]*state.Task)
	if len(tasks) != 2 {
		t.Errorf("filtered tasks = %v", tasks)
	}
}

func TestUpdateState(t *testing.T) {
	d := newTestDaemon(t)
	importPlan(t, d)

	resp := d.dispatch(&request{Command: "update_state", Updates: map[string]any{"goal": "new goal", "enabled": true}})
	if resp.Status != "ok" {
		t.Fatalf("update_state: %s", resp.Message)
	}
	st := resp.Data.(*state.WorkflowState)
	if st.Goal != "new goal" || !st.Enabled {
		t.Fatalf("goal = %q enabled = %v", st.Goal, st.Enabled)
	}

	resp = d.dispatch(&request{Command: "update_state"})
	if resp.Status != "error" {
		t.Fatal("empty updates should fail")
	}
	resp = d.dispatch(&request{Command: "update_state", Updates: map[string]any{"bogus_field": 1}})
	if resp.Status != "error" {
		t.Fatal("unknown field should fail")
	}
}

func TestPlanReset(t *testing.T) {
	d := newTestDaemon(t)
	importPlan(t, d)

	resp := d.dispatch(&request{Command: "plan_reset"})
	if resp.Status != "ok" {
		t.Fatalf("plan_reset: %s", resp.Message)
	}
	if got := d.dispatch(&request{Command: "get_state"}); got.Data != nil {
		t.Fatalf("state after reset = %v", got.Data)
	}

	// Journal restarts with just the reset event.
	events, err := d.traj.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0]["event"] != "plan_reset" {
		t.Fatalf("events = %v", events)
	}
}

func TestExecHandler(t *testing.T) {
	d := newTestDaemon(t)

	data := mustOK(t, d.dispatch(&request{Command: "exec", Args: []string{"sh", "-c", "echo hi; exit 4"}}))
	if data["returncode"] != 4 {
		t.Errorf("returncode = %v", data["returncode"])
	}
	if got := data["stdout"].(string); strings.TrimSpace(got) != "hi" {
		t.Errorf("stdout = %q", got)
	}
	if _, ok := data["signal_name"]; ok {
		t.Error("signal_name present for normal exit")
	}

	resp := d.dispatch(&request{Command: "exec"})
	if resp.Status != "error" {
		t.Fatal("missing args should fail")
	}
}

func TestExecSignalName(t *testing.T) {
	d := newTestDaemon(t)
	data := mustOK(t, d.dispatch(&request{Command: "exec", Args: []string{"sh", "-c", "kill -TERM $$"}}))
	if data["returncode"] != -15 {
		t.Errorf("returncode = %v", data["returncode"])
	}
	if data["signal_name"] != "SIGTERM" {
		t.Errorf("signal_name = %v", data["signal_name"])
	}
}

func TestExecTimeoutIsOK(t *testing.T) {
	d := newTestDaemon(t)
	data := mustOK(t, d.dispatch(&request{Command: "exec", Args: []string{"sleep", "30"}, Timeout: 0.2}))
	if data["returncode"] != -15 {
		t.Errorf("returncode = %v", data["returncode"])
	}
	if data["signal_name"] != "SIGTERM" {
		t.Errorf("signal_name = %v", data["signal_name"])
	}

	events, err := d.traj.Tail(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0]["timeout"] != true {
		t.Fatalf("events = %v", events)
	}
}

func TestExecEventTruncation(t *testing.T) {
	d := newTestDaemon(t)
	// 8 KiB of output; the response keeps it all, the journal caps it.
	mustOK(t, d.dispatch(&request{Command: "exec", Args: []string{"sh", "-c", "head -c 8192 /dev/zero | tr '\\0' x"}}))

	events, err := d.traj.Tail(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
	if got := len(events[0]["stdout"].(string)); got != truncateLimit {
		t.Fatalf("journaled stdout = %d bytes, want %d", got, truncateLimit)
	}
}

func TestClaimTrajectoryOrdering(t *testing.T) {
	d := newTestDaemon(t)
	importPlan(t, d)
	mustOK(t, d.dispatch(&request{Command: "task_claim", WorkerID: "w1"}))
	mustOK(t, d.dispatch(&request{Command: "task_complete", TaskID: "a", WorkerID: "w1"}))

	events, err := d.traj.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev["event"].(string))
	}
	want := []string{"plan_import", "claim", "complete"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}
