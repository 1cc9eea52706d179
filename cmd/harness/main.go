package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/hyh-dev/harness/internal/harness/client"
	"github.com/hyh-dev/harness/internal/harness/config"
	"github.com/hyh-dev/harness/internal/harness/daemon"
	"github.com/hyh-dev/harness/internal/harness/plan"
	"github.com/hyh-dev/harness/internal/harness/workerid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		cmdDaemon(os.Args[2:])
	case "ping":
		cmdPing()
	case "get-state":
		cmdGetState()
	case "status":
		cmdStatus(os.Args[2:])
	case "update-state":
		cmdUpdateState(os.Args[2:])
	case "plan":
		cmdPlan(os.Args[2:])
	case "task":
		cmdTask(os.Args[2:])
	case "exec":
		cmdExec(os.Args[2:])
	case "git":
		cmdGit(os.Args[2:])
	case "shutdown":
		cmdShutdown()
	case "worker-id":
		cmdWorkerID()
	case "session-start":
		cmdSessionStart()
	case "check-state":
		cmdCheckState()
	case "check-commit":
		cmdCheckCommit()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  harness daemon [--worktree <dir>] [--socket <path>]")
	fmt.Fprintln(os.Stderr, "  harness ping")
	fmt.Fprintln(os.Stderr, "  harness get-state")
	fmt.Fprintln(os.Stderr, "  harness status [--events <n>] [--filter <glob>]")
	fmt.Fprintln(os.Stderr, "  harness update-state --field <key> <value> [--field ...]")
	fmt.Fprintln(os.Stderr, "  harness plan import <file|->")
	fmt.Fprintln(os.Stderr, "  harness plan reset")
	fmt.Fprintln(os.Stderr, "  harness plan template")
	fmt.Fprintln(os.Stderr, "  harness task claim")
	fmt.Fprintln(os.Stderr, "  harness task complete <task-id>")
	fmt.Fprintln(os.Stderr, "  harness task fail <task-id>")
	fmt.Fprintln(os.Stderr, "  harness exec -- <argv...>")
	fmt.Fprintln(os.Stderr, "  harness git -- <git-args...>")
	fmt.Fprintln(os.Stderr, "  harness worker-id")
	fmt.Fprintln(os.Stderr, "  harness shutdown")
	fmt.Fprintln(os.Stderr, "  harness session-start | check-state | check-commit")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func mustConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		fatalf("config: %v", err)
	}
	return cfg
}

func mustClient() *client.Client {
	return client.New(mustConfig())
}

// call sends req with auto-spawn and dies on transport or daemon error.
func call(c *client.Client, req map[string]any) *client.Response {
	resp, err := c.Call(req)
	if err != nil {
		fatalf("harness: %v", err)
	}
	if !resp.OK() {
		fatalf("error: %s", resp.Message)
	}
	return resp
}

func cmdDaemon(args []string) {
	var worktree, socket string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--worktree":
			i++
			if i >= len(args) {
				fatalf("--worktree requires a value")
			}
			worktree = args[i]
		case "--socket":
			i++
			if i >= len(args) {
				fatalf("--socket requires a value")
			}
			socket = args[i]
		default:
			fatalf("unknown arg: %s", args[i])
		}
	}

	cfg, err := config.Load(worktree)
	if err != nil {
		fatalf("config: %v", err)
	}
	if socket != "" {
		cfg.Socket = socket
	}
	d, err := daemon.New(cfg, nil)
	if err != nil {
		fatalf("harness daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("harness daemon: %v", err)
	}
}

func cmdPing() {
	c := mustClient()
	resp, err := c.CallNoSpawn(map[string]any{"command": "ping"})
	if err != nil {
		fmt.Println("not running")
		os.Exit(1)
	}
	if !resp.OK() {
		fatalf("error: %s", resp.Message)
	}
	fmt.Println("ok")
}

func cmdGetState() {
	resp := call(mustClient(), map[string]any{"command": "get_state"})
	if string(resp.Data) == "" || string(resp.Data) == "null" {
		fmt.Println("No active workflow")
		os.Exit(1)
	}
	printJSON(resp.Data)
}

func cmdStatus(args []string) {
	req := map[string]any{"command": "status"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--events":
			i++
			if i >= len(args) {
				fatalf("--events requires a value")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fatalf("--events requires a positive integer")
			}
			req["event_count"] = n
		case "--filter":
			i++
			if i >= len(args) {
				fatalf("--filter requires a value")
			}
			req["task_filter"] = args[i]
		default:
			fatalf("unknown arg: %s", args[i])
		}
	}
	resp := call(mustClient(), req)
	printJSON(resp.Data)
}

func cmdUpdateState(args []string) {
	// Values go over the wire as raw strings; the daemon does all
	// coercion against the schema. A branch literally named "true" must
	// stay a string.
	updates := map[string]any{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--field":
			if i+2 >= len(args) {
				fatalf("--field requires a key and a value")
			}
			updates[args[i+1]] = args[i+2]
			i += 2
		default:
			fatalf("unknown arg: %s", args[i])
		}
	}
	if len(updates) == 0 {
		fatalf("update-state requires at least one --field")
	}
	resp := call(mustClient(), map[string]any{"command": "update_state", "updates": updates})
	printJSON(resp.Data)
}

func cmdPlan(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "import":
		if len(args) != 2 {
			fatalf("plan import requires a file path or - for stdin")
		}
		var content []byte
		var err error
		planPath := ""
		if args[1] == "-" {
			content, err = io.ReadAll(os.Stdin)
		} else {
			planPath = args[1]
			content, err = os.ReadFile(args[1])
		}
		if err != nil {
			fatalf("read plan: %v", err)
		}
		resp := call(mustClient(), map[string]any{
			"command": "plan_import",
			"content": string(content),
			"path":    planPath,
		})
		printJSON(resp.Data)
	case "reset":
		resp := call(mustClient(), map[string]any{"command": "plan_reset"})
		printJSON(resp.Data)
	case "template":
		fmt.Print(plan.Template())
	default:
		usage()
		os.Exit(1)
	}
}

func cmdTask(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	cfg := mustConfig()
	c := client.New(cfg)
	resolver := &workerid.Resolver{File: cfg.WorkerIDFile}
	id, err := resolver.ID()
	if err != nil {
		fatalf("worker id: %v", err)
	}

	switch args[0] {
	case "claim":
		resp := call(c, map[string]any{"command": "task_claim", "worker_id": id})
		printJSON(resp.Data)
	case "complete":
		if len(args) != 2 {
			fatalf("task complete requires a task id")
		}
		resp := call(c, map[string]any{"command": "task_complete", "task_id": args[1], "worker_id": id})
		printJSON(resp.Data)
	case "fail":
		if len(args) != 2 {
			fatalf("task fail requires a task id")
		}
		resp := call(c, map[string]any{"command": "task_fail", "task_id": args[1], "worker_id": id})
		printJSON(resp.Data)
	default:
		usage()
		os.Exit(1)
	}
}

type execResult struct {
	Returncode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	SignalName string `json:"signal_name"`
}

func cmdExec(args []string) {
	argv := stripSeparator(args)
	if len(argv) == 0 {
		fatalf("usage: harness exec -- <argv...>")
	}
	runThroughDaemon("exec", argv)
}

func cmdGit(args []string) {
	gitArgs := stripSeparator(args)
	if len(gitArgs) == 0 {
		fatalf("usage: harness git -- <git-args...>")
	}
	runThroughDaemon("git", gitArgs)
}

// runThroughDaemon relays a subprocess request and mirrors its output
// and exit status, so `harness git -- status` behaves like git itself.
func runThroughDaemon(command string, args []string) {
	cwd, err := os.Getwd()
	if err != nil {
		fatalf("getwd: %v", err)
	}
	resp := call(mustClient(), map[string]any{"command": command, "args": args, "cwd": cwd})

	var res execResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		fatalf("decode result: %v", err)
	}
	fmt.Print(res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	os.Exit(exitCode(res.Returncode))
}

// exitCode maps a subprocess returncode onto a shell exit status:
// signal deaths use the 128+N convention.
func exitCode(returncode int) int {
	if returncode < 0 {
		return 128 - returncode
	}
	return returncode
}

func stripSeparator(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}
	return args
}

func cmdShutdown() {
	c := mustClient()
	resp, err := c.CallNoSpawn(map[string]any{"command": "shutdown"})
	if err != nil {
		fmt.Println("Daemon not running")
		return
	}
	if !resp.OK() {
		fatalf("error: %s", resp.Message)
	}
	fmt.Println("Shutdown requested")
}

func cmdWorkerID() {
	cfg := mustConfig()
	resolver := &workerid.Resolver{File: cfg.WorkerIDFile}
	id, err := resolver.ID()
	if err != nil {
		fatalf("worker id: %v", err)
	}
	fmt.Println(id)
}

// stateDoc is the slice of workflow state the hook commands care about.
type stateDoc struct {
	Workflow   string `json:"workflow"`
	Enabled    bool   `json:"enabled"`
	LastCommit string `json:"last_commit"`
	Tasks      map[string]struct {
		Status string `json:"status"`
	} `json:"tasks"`
}

func (s *stateDoc) progress() (completed, total int) {
	for _, t := range s.Tasks {
		total++
		if t.Status == "completed" {
			completed++
		}
	}
	return completed, total
}

// fetchState returns the current workflow, or nil when the daemon is
// unreachable or no workflow exists. Hooks fail open on nil.
func fetchState(c *client.Client) *stateDoc {
	resp, err := c.CallNoSpawn(map[string]any{"command": "get_state"})
	if err != nil || !resp.OK() {
		return nil
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil
	}
	var st stateDoc
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return nil
	}
	return &st
}

func cmdSessionStart() {
	st := fetchState(mustClient())
	if st == nil {
		fmt.Println("{}")
		return
	}
	completed, total := st.progress()
	out := map[string]any{
		"hookSpecificOutput": map[string]any{
			"hookEventName": "SessionStart",
			"additionalContext": fmt.Sprintf(
				"Resuming %s: %d/%d tasks complete", st.Workflow, completed, total),
		},
	}
	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}

func cmdCheckState() {
	st := fetchState(mustClient())
	if st == nil {
		fmt.Println("allow")
		return
	}
	completed, total := st.progress()
	if st.Enabled && completed < total {
		fmt.Printf("deny: Workflow in progress (%d/%d)\n", completed, total)
		os.Exit(1)
	}
	fmt.Println("allow")
}

func cmdCheckCommit() {
	c := mustClient()
	st := fetchState(c)
	if st == nil || st.LastCommit == "" {
		fmt.Println("allow")
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Println("allow")
		return
	}
	resp, err := c.CallNoSpawn(map[string]any{
		"command": "git",
		"args":    []string{"rev-parse", "HEAD"},
		"cwd":     cwd,
	})
	if err != nil || !resp.OK() {
		fmt.Println("allow") // fail open
		return
	}
	var res execResult
	if err := json.Unmarshal(resp.Data, &res); err != nil || res.Returncode != 0 {
		fmt.Println("allow")
		return
	}
	head := trimNewline(res.Stdout)
	if head == st.LastCommit {
		short := st.LastCommit
		if len(short) > 7 {
			short = short[:7]
		}
		fmt.Printf("deny: No new commit since %s\n", short)
		os.Exit(1)
	}
	fmt.Println("allow")
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func printJSON(data json.RawMessage) {
	if len(data) == 0 {
		fmt.Println("null")
		return
	}
	var buf any
	if err := json.Unmarshal(data, &buf); err != nil {
		fmt.Println(string(data))
		return
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(out))
}
