// Package config resolves daemon and client settings from the
// environment plus an optional per-worktree YAML file. Environment
// variables win over the file; defaults fill the rest.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyh-dev/harness/internal/harness/runtime"
)

// FileName is the optional per-worktree config, relative to the
// worktree root.
const FileName = ".claude/harness.yaml"

// DefaultSpawnTimeout bounds how long a client waits for a daemon it
// just spawned to come up.
const DefaultSpawnTimeout = 5 * time.Second

// Config is the resolved configuration.
type Config struct {
	// Worktree is the absolute project root everything else is
	// relative to.
	Worktree string
	// Socket overrides the derived socket path when non-empty.
	Socket string

	Runtime      runtime.Config
	WorkerIDFile string
	RegistryFile string
	SpawnTimeout time.Duration
}

// fileConfig is the YAML shape of .claude/harness.yaml. Unknown keys
// are rejected so typos fail loudly instead of silently defaulting.
type fileConfig struct {
	Runtime       string `yaml:"runtime,omitempty"`
	ContainerID   string `yaml:"container_id,omitempty"`
	HostRoot      string `yaml:"host_root,omitempty"`
	ContainerRoot string `yaml:"container_root,omitempty"`
	UIDMapping    *bool  `yaml:"uid_mapping,omitempty"`
	WorkerIDFile  string `yaml:"worker_id_file,omitempty"`
}

// Load resolves configuration for worktree. When worktree is "" it is
// resolved from HARNESS_WORKTREE, then `git rev-parse --show-toplevel`,
// then the current directory.
func Load(worktree string) (*Config, error) {
	wt, err := ResolveWorktree(worktree)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Worktree: wt,
		Runtime: runtime.Config{
			Kind:       runtime.KindLocal,
			UIDMapping: true,
		},
		SpawnTimeout: DefaultSpawnTimeout,
	}

	if fc, err := loadFile(filepath.Join(wt, FileName)); err != nil {
		return nil, err
	} else if fc != nil {
		if fc.Runtime != "" {
			cfg.Runtime.Kind = runtime.Kind(fc.Runtime)
		}
		cfg.Runtime.ContainerID = fc.ContainerID
		cfg.Runtime.HostRoot = fc.HostRoot
		cfg.Runtime.ContainerRoot = fc.ContainerRoot
		if fc.UIDMapping != nil {
			cfg.Runtime.UIDMapping = *fc.UIDMapping
		}
		cfg.WorkerIDFile = fc.WorkerIDFile
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HARNESS_SOCKET"); v != "" {
		cfg.Socket = v
	}
	if v := os.Getenv("HARNESS_RUNTIME"); v != "" {
		cfg.Runtime.Kind = runtime.Kind(strings.ToLower(v))
	}
	if v := os.Getenv("HARNESS_CONTAINER_ID"); v != "" {
		cfg.Runtime.ContainerID = v
	}
	if v := os.Getenv("HARNESS_HOST_ROOT"); v != "" {
		cfg.Runtime.HostRoot = v
	}
	if v := os.Getenv("HARNESS_CONTAINER_ROOT"); v != "" {
		cfg.Runtime.ContainerRoot = v
	}
	if v := os.Getenv("HARNESS_UID_MAPPING"); v != "" {
		cfg.Runtime.UIDMapping = v != "false" && v != "0"
	}
	if v := os.Getenv("HARNESS_WORKER_ID_FILE"); v != "" {
		cfg.WorkerIDFile = v
	}
	if v := os.Getenv("HARNESS_REGISTRY_FILE"); v != "" {
		cfg.RegistryFile = v
	}
	if v := os.Getenv("HARNESS_SPAWN_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.SpawnTimeout = time.Duration(secs) * time.Second
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Runtime.Kind {
	case runtime.KindLocal, runtime.KindDocker, "":
	default:
		return fmt.Errorf("config: unknown runtime %q (want local|docker)", cfg.Runtime.Kind)
	}
	if cfg.Runtime.Kind == runtime.KindDocker && strings.TrimSpace(cfg.Runtime.ContainerID) == "" {
		return fmt.Errorf("config: docker runtime requires a container id")
	}
	if (cfg.Runtime.HostRoot == "") != (cfg.Runtime.ContainerRoot == "") {
		return fmt.Errorf("config: host_root and container_root must be set together")
	}
	return nil
}

// ResolveWorktree determines the project root: explicit argument, then
// HARNESS_WORKTREE, then the enclosing git toplevel, then cwd.
func ResolveWorktree(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	if v := os.Getenv("HARNESS_WORKTREE"); v != "" {
		return filepath.Abs(v)
	}
	if top := gitToplevel(); top != "" {
		return top, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve worktree: %w", err)
	}
	return wd, nil
}

func loadFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := decodeYAMLStrict(b, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func decodeYAMLStrict(b []byte, fc *fileConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil {
		if err == io.EOF {
			return nil // empty file is an empty config
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
