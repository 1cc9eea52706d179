// Package registry tracks known worktrees so multi-project queries can
// enumerate them. The file is shared by every daemon on the host, so
// all access happens under an flock.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// Entry describes one registered worktree.
type Entry struct {
	Path       string `json:"path"`
	LastActive string `json:"last_active"`
}

type document struct {
	Projects map[string]Entry `json:"projects"`
}

// Registry is a process-safe worktree registry backed by one JSON file.
type Registry struct {
	file     string
	lockFile string
}

// DefaultPath is ~/.harness/registry.json unless HARNESS_REGISTRY_FILE
// overrides it.
func DefaultPath() string {
	if p := os.Getenv("HARNESS_REGISTRY_FILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".harness", "registry.json")
}

// New opens (lazily) the registry at file; "" uses DefaultPath.
func New(file string) *Registry {
	if file == "" {
		file = DefaultPath()
	}
	return &Registry{
		file:     file,
		lockFile: strings.TrimSuffix(file, filepath.Ext(file)) + ".lock",
	}
}

// ProjectKey is the stable identifier for a worktree path.
func ProjectKey(worktree string) string {
	abs, err := filepath.Abs(worktree)
	if err != nil {
		abs = worktree
	}
	sum := blake3.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// Register records (or refreshes) a worktree and returns its key.
func (r *Registry) Register(worktree string) (string, error) {
	abs, err := filepath.Abs(worktree)
	if err != nil {
		return "", fmt.Errorf("resolve worktree: %w", err)
	}
	key := ProjectKey(abs)
	err = r.withLock(func() error {
		doc := r.loadUnlocked()
		doc.Projects[key] = Entry{
			Path:       abs,
			LastActive: time.Now().UTC().Format(time.RFC3339),
		}
		return r.saveUnlocked(doc)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// List returns registered projects whose path matches pattern (doublestar
// glob); "" matches everything.
func (r *Registry) List(pattern string) (map[string]Entry, error) {
	var doc document
	err := r.withLock(func() error {
		doc = r.loadUnlocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return doc.Projects, nil
	}
	out := make(map[string]Entry)
	for key, e := range doc.Projects {
		ok, err := doublestar.Match(pattern, e.Path)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if ok {
			out[key] = e
		}
	}
	return out, nil
}

// withLock runs fn holding an exclusive flock on the sidecar lock file.
// The lock file is separate from the data file so the atomic rename of
// the data file never invalidates a held lock.
func (r *Registry) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.file), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	f, err := os.OpenFile(r.lockFile, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open registry lock: %w", err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return fn()
}

// loadUnlocked reads the registry; corrupt or missing files start fresh
// rather than wedging every daemon on the host.
func (r *Registry) loadUnlocked() document {
	doc := document{Projects: map[string]Entry{}}
	data, err := os.ReadFile(r.file)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Projects == nil {
		return document{Projects: map[string]Entry{}}
	}
	return doc
}

func (r *Registry) saveUnlocked(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.file + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.file)
}
