// Package client is the thin RPC side of the harness: it marshals one
// request per call, reads one response line, and knows how to spawn a
// daemon when none is listening. It deliberately does no validation or
// type coercion; that is the daemon's job. Keeping this path light
// matters because git hooks ride through it.
package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/hyh-dev/harness/internal/harness/config"
	"github.com/hyh-dev/harness/internal/harness/daemon"
)

// Response is the daemon's reply envelope. Data stays raw so callers
// can print or decode it as they see fit.
type Response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// OK reports whether the daemon accepted the request.
func (r *Response) OK() bool { return r.Status == "ok" }

// Client talks to (and if needed starts) the daemon for one worktree.
type Client struct {
	Worktree     string
	SocketPath   string
	SpawnTimeout time.Duration
	DialTimeout  time.Duration

	// DaemonArgs overrides the spawn command line; empty means
	// re-invoking this binary with its daemon subcommand.
	DaemonArgs []string
}

// New builds a client from resolved configuration.
func New(cfg *config.Config) *Client {
	sock := cfg.Socket
	if sock == "" {
		sock = daemon.SocketPath(cfg.Worktree)
	}
	return &Client{
		Worktree:     cfg.Worktree,
		SocketPath:   sock,
		SpawnTimeout: cfg.SpawnTimeout,
		DialTimeout:  5 * time.Second,
	}
}

// Call sends one request and reads one response. When no daemon is
// listening, it spawns one and retries once.
func (c *Client) Call(req map[string]any) (*Response, error) {
	resp, err := c.callOnce(req)
	if err == nil {
		return resp, nil
	}
	if !isConnError(err) {
		return nil, err
	}
	if spawnErr := c.SpawnDaemon(); spawnErr != nil {
		return nil, spawnErr
	}
	return c.callOnce(req)
}

// CallNoSpawn sends one request without auto-spawn. Used by commands
// that should observe "not running" rather than mask it.
func (c *Client) CallNoSpawn(req map[string]any) (*Response, error) {
	return c.callOnce(req)
}

func (c *Client) callOnce(req map[string]any) (*Response, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("unix", c.SocketPath, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// SpawnDaemon starts a detached daemon process and waits for its socket
// to appear. A daemon that dies during startup is reported with its
// stderr instead of a bare timeout.
func (c *Client) SpawnDaemon() error {
	args := c.DaemonArgs
	if len(args) == 0 {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		args = []string{self, "daemon", "--worktree", c.Worktree, "--socket", c.SocketPath}
	}

	var stderr bytes.Buffer
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}

	died := make(chan error, 1)
	go func() { died <- cmd.Wait() }()

	timeout := c.SpawnTimeout
	if timeout <= 0 {
		timeout = config.DefaultSpawnTimeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-died:
			return fmt.Errorf("daemon crashed on startup (%v): %s",
				err, bytes.TrimSpace(stderr.Bytes()))
		default:
		}
		if _, statErr := os.Stat(c.SocketPath); statErr == nil {
			// Brief grace so the accept loop is actually up.
			time.Sleep(50 * time.Millisecond)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	select {
	case err := <-died:
		return fmt.Errorf("daemon crashed (%v): %s", err, bytes.TrimSpace(stderr.Bytes()))
	default:
	}
	return fmt.Errorf("daemon failed to start (timeout %s waiting for socket)", timeout)
}

// isConnError reports whether err means "no daemon listening" (socket
// missing or nothing accepting) as opposed to a protocol failure.
func isConnError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNREFUSED || errno == syscall.ENOENT
	}
	return os.IsNotExist(err)
}
