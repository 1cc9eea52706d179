package config

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// gitToplevel returns the enclosing repository root, or "" when cwd is
// not inside a work tree (or git is missing/slow).
func gitToplevel() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
