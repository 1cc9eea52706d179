package daemon

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// SocketPath returns the per-worktree socket location:
// <tmp>/harness-<user>-<hash>.sock. Hashing the resolved worktree path
// keeps the name short, collision-free across worktrees, and free of
// path separators; the user component isolates sockets on shared hosts.
func SocketPath(worktree string) string {
	abs, err := filepath.Abs(worktree)
	if err != nil {
		abs = worktree
	}
	sum := blake3.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), fmt.Sprintf("harness-%s-%s.sock", userName(), hex.EncodeToString(sum[:])[:16]))
}

func userName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
