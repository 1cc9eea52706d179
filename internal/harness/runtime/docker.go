package runtime

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Docker runs commands inside an existing container via docker exec.
//
// By default the child runs as the calling user's uid:gid so files it
// writes into bind-mounted host directories are not root-owned. Trusted
// containers can switch that off through the factory config.
type Docker struct {
	containerID string
	mapper      PathMapper
	lock        *ExecLock
	uidMapping  bool
}

// NewDocker creates a container runtime. mapper translates host cwds to
// container paths; pass IdentityMapper when the mount layout matches.
func NewDocker(containerID string, mapper PathMapper, lock *ExecLock, uidMapping bool) *Docker {
	if mapper == nil {
		mapper = IdentityMapper{}
	}
	if lock == nil {
		lock = NewExecLock()
	}
	return &Docker{
		containerID: containerID,
		mapper:      mapper,
		lock:        lock,
		uidMapping:  uidMapping,
	}
}

func (r *Docker) Mapper() PathMapper { return r.mapper }

// CheckCapabilities verifies the docker daemon is reachable.
func (r *Docker) CheckCapabilities(ctx context.Context) error {
	res, err := run(ctx, []string{"docker", "info"}, "", nil, 30*time.Second)
	if err != nil {
		return fmt.Errorf("docker not available: %w", err)
	}
	if res.Returncode != 0 {
		return fmt.Errorf("docker not available: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (r *Docker) Execute(ctx context.Context, args []string, opts Options) (*ExecResult, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("command args are required")
	}

	dockerArgs := []string{"docker", "exec"}
	if r.uidMapping {
		dockerArgs = append(dockerArgs, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))
	}
	// Env is injected per variable; docker exec has no ambient merge,
	// so only explicit entries cross the boundary.
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dockerArgs = append(dockerArgs, "-e", k+"="+opts.Env[k])
	}
	if opts.Cwd != "" {
		dockerArgs = append(dockerArgs, "-w", r.mapper.ToExecution(opts.Cwd))
	}
	dockerArgs = append(dockerArgs, r.containerID)
	dockerArgs = append(dockerArgs, args...)

	if opts.Exclusive {
		r.lock.Lock()
		defer r.lock.Unlock()
	}
	// The docker client itself runs on the host with ambient env and no
	// cwd; everything command-specific is in the argv.
	return run(ctx, dockerArgs, "", nil, opts.Timeout)
}
