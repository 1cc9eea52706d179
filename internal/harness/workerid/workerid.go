// Package workerid resolves the identity a worker process claims tasks
// under. The id is stable for the process lifetime and, when a file is
// configured, across restarts of the same worker session.
package workerid

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Resolver hands out one worker id per process. Construct a single
// Resolver at startup and share it; every call returns the same id.
type Resolver struct {
	// File optionally persists the id across process restarts.
	File string

	mu sync.Mutex
	id string
}

// ID returns the worker id, resolving it on first call:
//
//  1. the contents of File, when set and readable,
//  2. otherwise a freshly generated id, persisted to File when set.
//
// Persistence failures are not fatal: the generated id is still used,
// it just will not survive a restart.
func (r *Resolver) ID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.id != "" {
		return r.id, nil
	}
	if r.File != "" {
		if data, err := os.ReadFile(r.File); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				r.id = id
				return r.id, nil
			}
		}
	}

	id, err := Generate()
	if err != nil {
		return "", err
	}
	if r.File != "" {
		writeIDFile(r.File, id)
	}
	r.id = id
	return r.id, nil
}

// Generate creates a fresh worker id. ULIDs are time-sortable, so ids
// in logs order by worker start time for free.
func Generate() (string, error) {
	u, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	return "worker-" + strings.ToLower(u.String()), nil
}

func writeIDFile(file, id string) {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(file, []byte(id+"\n"), 0o644)
}
