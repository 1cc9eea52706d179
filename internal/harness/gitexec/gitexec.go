// Package gitexec runs git commands through a runtime with the
// exclusive lock held for anything touching the index. Reads skip the
// lock so status queries stay parallel.
package gitexec

import (
	"context"
	"strings"
	"time"

	"github.com/hyh-dev/harness/internal/harness/runtime"
)

// DefaultTimeout bounds individual git commands.
const DefaultTimeout = 60 * time.Second

// Git wraps a runtime for repository operations.
type Git struct {
	rt   runtime.Runtime
	lock *runtime.ExecLock
}

// New builds a git executor. lock must be the same exclusive lock the
// runtime was built with, so multi-command sequences can hold it across
// calls.
func New(rt runtime.Runtime, lock *runtime.ExecLock) *Git {
	return &Git{rt: rt, lock: lock}
}

// Exec runs `git <args...>` in cwd with the exclusive lock. Use for
// anything that can write the index or refs.
func (g *Git) Exec(ctx context.Context, cwd string, args ...string) (*runtime.ExecResult, error) {
	return g.rt.Execute(ctx, append([]string{"git"}, args...), runtime.Options{
		Cwd:       cwd,
		Timeout:   DefaultTimeout,
		Exclusive: true,
	})
}

// ExecReadOnly runs `git <args...>` without the lock, for commands that
// only read repository state.
func (g *Git) ExecReadOnly(ctx context.Context, cwd string, args ...string) (*runtime.ExecResult, error) {
	return g.rt.Execute(ctx, append([]string{"git"}, args...), runtime.Options{
		Cwd:     cwd,
		Timeout: DefaultTimeout,
	})
}

// Commit stages everything and commits, holding the exclusive lock for
// the whole sequence so nothing can touch the staging area between add
// and commit. A failed add short-circuits with its result.
func (g *Git) Commit(ctx context.Context, cwd, message string) (*runtime.ExecResult, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	res, err := g.rt.Execute(ctx, []string{"git", "add", "-A"}, runtime.Options{
		Cwd:     cwd,
		Timeout: DefaultTimeout,
	})
	if err != nil || res.Returncode != 0 {
		return res, err
	}
	return g.rt.Execute(ctx, []string{"git", "commit", "-m", message}, runtime.Options{
		Cwd:     cwd,
		Timeout: DefaultTimeout,
	})
}

// HeadSHA returns the current HEAD commit, or "" when cwd is not a
// repository or has no commits yet.
func (g *Git) HeadSHA(ctx context.Context, cwd string) string {
	res, err := g.ExecReadOnly(ctx, cwd, "rev-parse", "HEAD")
	if err != nil || res.Returncode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}
