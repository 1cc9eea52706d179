package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hyh-dev/harness/internal/harness/plan"
	"github.com/hyh-dev/harness/internal/harness/runtime"
	"github.com/hyh-dev/harness/internal/harness/state"
)

// truncateLimit caps stdout/stderr stored in trajectory exec events;
// full output still goes back to the caller.
const truncateLimit = 4096

// request is the union of fields any command may carry. Unused fields
// are simply absent on the wire.
type request struct {
	Command    string            `json:"command"`
	WorkerID   string            `json:"worker_id,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Timeout    float64           `json:"timeout,omitempty"` // seconds
	Content    string            `json:"content,omitempty"`
	Path       string            `json:"path,omitempty"`
	Updates    map[string]any    `json:"updates,omitempty"`
	EventCount int               `json:"event_count,omitempty"`
	TaskFilter string            `json:"task_filter,omitempty"`
}

type response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func ok(data any) response { return response{Status: "ok", Data: data} }

func errorf(format string, args ...any) response {
	return response{Status: "error", Message: fmt.Sprintf(format, args...)}
}

func (d *Daemon) dispatch(req *request) response {
	switch req.Command {
	case "":
		return errorf("missing command")
	case "ping":
		return d.handlePing(req)
	case "get_state":
		return d.handleGetState(req)
	case "status":
		return d.handleStatus(req)
	case "update_state":
		return d.handleUpdateState(req)
	case "plan_import":
		return d.handlePlanImport(req)
	case "plan_reset":
		return d.handlePlanReset(req)
	case "task_claim":
		return d.handleTaskClaim(req)
	case "task_complete":
		return d.handleTaskComplete(req)
	case "task_fail":
		return d.handleTaskFail(req)
	case "exec":
		return d.handleExec(req)
	case "git":
		return d.handleGit(req)
	case "shutdown":
		return d.handleShutdown(req)
	default:
		return errorf("unknown command: %s", req.Command)
	}
}

func (d *Daemon) handlePing(_ *request) response {
	return ok(map[string]any{"running": true, "pid": os.Getpid()})
}

func (d *Daemon) handleGetState(_ *request) response {
	st, err := d.states.Snapshot()
	if err != nil {
		return errorf("%v", err)
	}
	if st == nil {
		return ok(nil)
	}
	return ok(st)
}

func (d *Daemon) handleStatus(req *request) response {
	st, err := d.states.Snapshot()
	if err != nil {
		return errorf("%v", err)
	}

	summary := map[string]int{"total": 0, "completed": 0, "running": 0, "pending": 0, "failed": 0}
	tasks := map[string]*state.Task{}
	var activeWorkers []string

	if st != nil {
		seen := map[string]bool{}
		for id, t := range st.Tasks {
			summary["total"]++
			switch t.Status {
			case state.StatusCompleted:
				summary["completed"]++
			case state.StatusRunning:
				summary["running"]++
				if t.ClaimedBy != "" && !seen[t.ClaimedBy] {
					seen[t.ClaimedBy] = true
					activeWorkers = append(activeWorkers, t.ClaimedBy)
				}
			case state.StatusPending:
				summary["pending"]++
			case state.StatusFailed:
				summary["failed"]++
			}

			if req.TaskFilter != "" {
				match, err := doublestar.Match(req.TaskFilter, id)
				if err != nil {
					return errorf("bad task_filter %q: %v", req.TaskFilter, err)
				}
				if !match {
					continue
				}
			}
			tasks[id] = t
		}
	}

	n := req.EventCount
	if n <= 0 {
		n = 10
	}
	events, err := d.traj.Tail(n)
	if err != nil {
		return errorf("read trajectory: %v", err)
	}
	if activeWorkers == nil {
		activeWorkers = []string{}
	}

	return ok(map[string]any{
		"active":         st != nil,
		"summary":        summary,
		"tasks":          tasks,
		"events":         events,
		"active_workers": activeWorkers,
	})
}

func (d *Daemon) handleUpdateState(req *request) response {
	if len(req.Updates) == 0 {
		return errorf("no updates provided")
	}
	st, err := d.states.Update(req.Updates)
	if err != nil {
		return errorf("%v", err)
	}
	return ok(st)
}

func (d *Daemon) handlePlanImport(req *request) response {
	if req.Content == "" {
		return errorf("content is required")
	}
	def, err := plan.Parse(req.Content)
	if err != nil {
		return errorf("%v", err)
	}
	if err := d.states.Save(def.ToWorkflowState(req.Path)); err != nil {
		return errorf("%v", err)
	}

	d.logEvent(map[string]any{
		"event":      "plan_import",
		"goal":       def.Goal,
		"task_count": len(def.Tasks),
	})
	return ok(map[string]any{
		"goal":       def.Goal,
		"task_count": len(def.Tasks),
		"task_ids":   def.Order,
	})
}

func (d *Daemon) handlePlanReset(_ *request) response {
	if err := d.states.Reset(); err != nil {
		return errorf("%v", err)
	}
	if err := d.traj.Reset(); err != nil {
		return errorf("%v", err)
	}
	d.logEvent(map[string]any{"event": "plan_reset"})
	return ok(map[string]any{"message": "workflow state cleared"})
}

func (d *Daemon) handleTaskClaim(req *request) response {
	if req.WorkerID == "" {
		return errorf("worker_id is required")
	}
	res, err := d.states.ClaimTask(req.WorkerID)
	if errors.Is(err, state.ErrNoWorkflow) {
		// No plan imported yet reads the same as an exhausted plan:
		// nothing to claim.
		return ok(map[string]any{"task": nil})
	}
	if err != nil {
		return errorf("%v", err)
	}
	if res.Task == nil {
		return ok(map[string]any{"task": nil})
	}

	// State lock is released by now; trajectory fsync happens outside it.
	count := d.bumpClaims(res.Task.ID)
	event := map[string]any{
		"event":      "claim",
		"task_id":    res.Task.ID,
		"worker_id":  req.WorkerID,
		"is_retry":   res.IsRetry,
		"is_reclaim": res.IsReclaim,
	}
	if res.IsReclaim {
		event["event"] = "reclaim"
		event["retry_count"] = count
	}
	d.logEvent(event)

	return ok(map[string]any{
		"task":       res.Task,
		"is_retry":   res.IsRetry,
		"is_reclaim": res.IsReclaim,
	})
}

func (d *Daemon) handleTaskComplete(req *request) response {
	if req.TaskID == "" {
		return errorf("task_id is required")
	}
	if req.WorkerID == "" {
		return errorf("worker_id is required")
	}
	if _, err := d.states.CompleteTask(req.TaskID, req.WorkerID); err != nil {
		return errorf("%v", err)
	}
	d.logEvent(map[string]any{
		"event":     "complete",
		"task_id":   req.TaskID,
		"worker_id": req.WorkerID,
	})
	return ok(map[string]any{"task_id": req.TaskID})
}

func (d *Daemon) handleTaskFail(req *request) response {
	if req.TaskID == "" {
		return errorf("task_id is required")
	}
	if req.WorkerID == "" {
		return errorf("worker_id is required")
	}
	if _, err := d.states.FailTask(req.TaskID, req.WorkerID); err != nil {
		return errorf("%v", err)
	}
	d.logEvent(map[string]any{
		"event":     "fail",
		"task_id":   req.TaskID,
		"worker_id": req.WorkerID,
	})
	return ok(map[string]any{"task_id": req.TaskID})
}

func (d *Daemon) handleExec(req *request) response {
	if len(req.Args) == 0 {
		return errorf("args is required")
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = d.worktree
	}

	start := time.Now()
	// exclusive is deliberately not client-settable: arbitrary agent
	// commands must never serialize the whole daemon.
	res, err := d.rt.Execute(context.Background(), req.Args, runtime.Options{
		Cwd:     cwd,
		Env:     req.Env,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
	})
	durationMS := time.Since(start).Milliseconds()

	var te *runtime.TimeoutError
	if errors.As(err, &te) {
		// Timeout is an observed outcome, not a protocol failure.
		d.logEvent(map[string]any{
			"event":       "exec",
			"args":        req.Args,
			"returncode":  -15,
			"signal_name": "SIGTERM",
			"timeout":     true,
			"duration_ms": durationMS,
		})
		return ok(map[string]any{
			"returncode":  -15,
			"stdout":      te.Stdout,
			"stderr":      te.Stderr,
			"signal_name": "SIGTERM",
		})
	}
	if err != nil {
		return errorf("%v", err)
	}

	event := map[string]any{
		"event":       "exec",
		"args":        req.Args,
		"returncode":  res.Returncode,
		"stdout":      truncate(res.Stdout),
		"stderr":      truncate(res.Stderr),
		"duration_ms": durationMS,
	}
	if name := runtime.DecodeSignal(res.Returncode); name != "" {
		event["signal_name"] = name
	}
	d.logEvent(event)
	return ok(execData(res))
}

func (d *Daemon) handleGit(req *request) response {
	if len(req.Args) == 0 {
		return errorf("args is required")
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = d.worktree
	}
	res, err := d.git.Exec(context.Background(), cwd, req.Args...)
	if err != nil {
		var te *runtime.TimeoutError
		if errors.As(err, &te) {
			return ok(map[string]any{
				"returncode":  -15,
				"stdout":      te.Stdout,
				"stderr":      te.Stderr,
				"signal_name": "SIGTERM",
			})
		}
		return errorf("%v", err)
	}
	return ok(execData(res))
}

func (d *Daemon) handleShutdown(_ *request) response {
	// Shut down from another goroutine so the response still goes out.
	go d.Shutdown()
	return ok(map[string]any{"shutdown": true})
}

func execData(res *runtime.ExecResult) map[string]any {
	data := map[string]any{
		"returncode": res.Returncode,
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
	}
	if name := runtime.DecodeSignal(res.Returncode); name != "" {
		data["signal_name"] = name
	}
	return data
}

func truncate(s string) string {
	if len(s) > truncateLimit {
		return s[:truncateLimit]
	}
	return s
}

func (d *Daemon) bumpClaims(taskID string) int {
	d.claimsMu.Lock()
	defer d.claimsMu.Unlock()
	d.claims[taskID]++
	return d.claims[taskID]
}

// logEvent appends to the trajectory; journal failures are logged, not
// surfaced, so a full disk cannot fail an already-persisted claim.
func (d *Daemon) logEvent(event map[string]any) {
	if err := d.traj.Log(event); err != nil {
		d.logger.Printf("trajectory: %v", err)
	}
}
