package runtime

import (
	"fmt"
	"strings"
)

// Kind selects a runtime variant.
type Kind string

const (
	KindLocal  Kind = "local"
	KindDocker Kind = "docker"
)

// Config is the runtime selection resolved from environment and the
// optional worktree config file.
type Config struct {
	Kind          Kind
	ContainerID   string
	HostRoot      string
	ContainerRoot string
	// UIDMapping passes --user uid:gid to docker exec. Defaults on.
	UIDMapping bool
}

// New builds the runtime a daemon will use for exec and git requests.
// The exclusive lock is shared across variants: there is exactly one
// per process regardless of where commands run.
func New(cfg Config, lock *ExecLock) (Runtime, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(string(cfg.Kind))))
	if kind == "" {
		if cfg.ContainerID != "" {
			kind = KindDocker
		} else {
			kind = KindLocal
		}
	}

	switch kind {
	case KindLocal:
		return NewLocal(lock), nil
	case KindDocker:
		if strings.TrimSpace(cfg.ContainerID) == "" {
			return nil, fmt.Errorf("container id is required for the docker runtime")
		}
		var mapper PathMapper = IdentityMapper{}
		if cfg.HostRoot != "" && cfg.ContainerRoot != "" {
			mapper = NewVolumeMapper(cfg.HostRoot, cfg.ContainerRoot)
		}
		return NewDocker(cfg.ContainerID, mapper, lock, cfg.UIDMapping), nil
	default:
		return nil, fmt.Errorf("unknown runtime kind: %q (want local|docker)", cfg.Kind)
	}
}
