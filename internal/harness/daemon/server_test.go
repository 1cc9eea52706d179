package daemon

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyh-dev/harness/internal/harness/config"
	"github.com/hyh-dev/harness/internal/harness/runtime"
)

func startDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	wt := t.TempDir()
	sock := filepath.Join(t.TempDir(), "h.sock")
	cfg := &config.Config{
		Worktree:     wt,
		Socket:       sock,
		Runtime:      runtime.Config{Kind: runtime.KindLocal, UIDMapping: true},
		RegistryFile: filepath.Join(wt, "registry.json"),
	}
	d, err := New(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go d.Serve()
	t.Cleanup(d.Shutdown)
	return d, sock
}

func roundTrip(t *testing.T, sock string, req map[string]any) response {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return resp
}

func TestServeOverSocket(t *testing.T) {
	_, sock := startDaemon(t)

	resp := roundTrip(t, sock, map[string]any{"command": "ping"})
	if resp.Status != "ok" {
		t.Fatalf("ping: %+v", resp)
	}
	data := resp.Data.(map[string]any)
	if data["running"] != true {
		t.Errorf("running = %v", data["running"])
	}

	// A full claim flow over the wire.
	resp = roundTrip(t, sock, map[string]any{"command": "plan_import", "content": testPlan})
	if resp.Status != "ok" {
		t.Fatalf("plan_import: %s", resp.Message)
	}
	resp = roundTrip(t, sock, map[string]any{"command": "task_claim", "worker_id": "w1"})
	if resp.Status != "ok" {
		t.Fatalf("task_claim: %s", resp.Message)
	}
	task := resp.Data.(map[string]any)["task"].(map[string]any)
	if task["id"] != "a" {
		t.Fatalf("claimed %v, want a", task["id"])
	}
}

func TestServeMalformedRequest(t *testing.T) {
	_, sock := startDaemon(t)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("{this is not json\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "error" {
		t.Fatalf("resp = %+v, want error", resp)
	}

	// Server survives; next request works.
	if resp := roundTrip(t, sock, map[string]any{"command": "ping"}); resp.Status != "ok" {
		t.Fatalf("ping after bad request: %+v", resp)
	}
}

func TestSocketPermissions(t *testing.T) {
	_, sock := startDaemon(t)
	fi, err := os.Stat(sock)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket perms = %o, want 600", perm)
	}
}

func TestSecondDaemonFailsFast(t *testing.T) {
	d, sock := startDaemon(t)

	cfg := &config.Config{
		Worktree:     d.worktree,
		Socket:       sock,
		Runtime:      runtime.Config{Kind: runtime.KindLocal},
		RegistryFile: filepath.Join(d.worktree, "registry.json"),
	}
	if _, err := New(cfg, log.New(io.Discard, "", 0)); err == nil {
		t.Fatal("second daemon on the same socket should fail")
	}
}

func TestShutdownCleansUp(t *testing.T) {
	d, sock := startDaemon(t)

	resp := roundTrip(t, sock, map[string]any{"command": "shutdown"})
	if resp.Status != "ok" {
		t.Fatalf("shutdown: %+v", resp)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatal("socket file not removed after shutdown")
	}
	if _, err := os.Stat(sock + ".lock"); !os.IsNotExist(err) {
		t.Fatal("lock file not removed after shutdown")
	}
	_ = d
}

func TestStaleSocketRemovedOnStartup(t *testing.T) {
	wt := t.TempDir()
	sock := filepath.Join(t.TempDir(), "h.sock")

	// Simulate a crashed daemon's leftover socket file.
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Worktree:     wt,
		Socket:       sock,
		Runtime:      runtime.Config{Kind: runtime.KindLocal},
		RegistryFile: filepath.Join(wt, "registry.json"),
	}
	d, err := New(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New over stale socket: %v", err)
	}
	go d.Serve()
	t.Cleanup(d.Shutdown)

	if resp := roundTrip(t, sock, map[string]any{"command": "ping"}); resp.Status != "ok" {
		t.Fatalf("ping: %+v", resp)
	}
}

func TestSocketPathDerivation(t *testing.T) {
	a := SocketPath("/some/worktree")
	b := SocketPath("/some/worktree")
	c := SocketPath("/other/worktree")
	if a != b {
		t.Fatalf("path not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Fatal("distinct worktrees share a socket path")
	}
	if filepath.Ext(a) != ".sock" {
		t.Fatalf("path = %q", a)
	}
}
