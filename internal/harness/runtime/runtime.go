// Package runtime executes subprocess commands for the daemon, either
// directly on the host or inside a container, with optional global
// serialization for commands that mutate shared filesystem state.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ExecResult is the outcome of a finished command. Returncode is
// negative (the negated signal number) when the process died by signal.
type ExecResult struct {
	Returncode int
	Stdout     string
	Stderr     string
}

// Options control a single execution.
type Options struct {
	// Cwd is a host path; runtimes map it through their PathMapper.
	Cwd string
	// Env is merged over the ambient environment; ambient wins for
	// anything not explicitly set (PATH etc. stay valid).
	Env map[string]string
	// Timeout bounds the command from start; zero means no limit.
	Timeout time.Duration
	// Exclusive serializes this command against all other exclusive
	// commands in the process. Used for operations touching a shared
	// mutable resource (the git index); everything else runs
	// concurrently.
	Exclusive bool
}

// TimeoutError reports a command terminated for exceeding its timeout.
// Partial output captured before termination is preserved.
type TimeoutError struct {
	Args    []string
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %s", strings.Join(e.Args, " "), e.Timeout)
}

// ExecLock is the process-wide exclusive-execution mutex. It is created
// at daemon startup and injected into runtimes; nothing reaches for it
// ambiently.
type ExecLock struct {
	mu sync.Mutex
}

func NewExecLock() *ExecLock { return &ExecLock{} }

func (l *ExecLock) Lock()   { l.mu.Lock() }
func (l *ExecLock) Unlock() { l.mu.Unlock() }

// Runtime executes commands in some environment.
type Runtime interface {
	Execute(ctx context.Context, args []string, opts Options) (*ExecResult, error)
	// Mapper exposes the runtime's path translation.
	Mapper() PathMapper
	// CheckCapabilities fails fast when required tooling is missing.
	CheckCapabilities(ctx context.Context) error
}

// Local runs commands directly on the host.
type Local struct {
	lock *ExecLock
}

// NewLocal creates a host runtime using the given exclusive lock.
func NewLocal(lock *ExecLock) *Local {
	if lock == nil {
		lock = NewExecLock()
	}
	return &Local{lock: lock}
}

func (r *Local) Mapper() PathMapper { return IdentityMapper{} }

func (r *Local) CheckCapabilities(ctx context.Context) error { return nil }

func (r *Local) Execute(ctx context.Context, args []string, opts Options) (*ExecResult, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("command args are required")
	}
	if opts.Exclusive {
		r.lock.Lock()
		defer r.lock.Unlock()
	}
	return run(ctx, args, r.Mapper().ToExecution(opts.Cwd), opts.Env, opts.Timeout)
}

// run spawns argv on the host with merged env and a SIGTERM-on-timeout
// deadline. Process handle, pipes and the process group are released on
// every exit path; the child runs in its own group so the whole tree
// dies on timeout.
func run(ctx context.Context, args []string, cwd string, env map[string]string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergedEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 3 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{
			Args:    args,
			Timeout: timeout,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Spawn failure (binary missing, cwd invalid, ...).
			return nil, err
		}
		return &ExecResult{
			Returncode: returncodeOf(exitErr.ProcessState),
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
		}, nil
	}
	return &ExecResult{
		Returncode: cmd.ProcessState.ExitCode(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}, nil
}

// returncodeOf converts a wait status to the convention agents expect:
// exit code for normal exits, negated signal number for signal deaths.
func returncodeOf(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// mergedEnv overlays env on the ambient environment. Explicit entries
// win over ambient ones; everything else passes through.
func mergedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil // exec uses the ambient environment
	}
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
