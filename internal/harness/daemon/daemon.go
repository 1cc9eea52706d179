// Package daemon is the per-worktree RPC server: newline-delimited JSON
// over a Unix socket, one goroutine per connection. It owns the state
// manager, the trajectory journal, and the subprocess runtime.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hyh-dev/harness/internal/harness/config"
	"github.com/hyh-dev/harness/internal/harness/gitexec"
	"github.com/hyh-dev/harness/internal/harness/registry"
	"github.com/hyh-dev/harness/internal/harness/runtime"
	"github.com/hyh-dev/harness/internal/harness/state"
	"github.com/hyh-dev/harness/internal/harness/trajectory"
)

// drainTimeout bounds how long shutdown waits for in-flight handlers.
const drainTimeout = 5 * time.Second

// Daemon serves harness RPCs for one worktree.
type Daemon struct {
	socketPath string
	worktree   string
	logger     *log.Logger

	states *state.Manager
	traj   *trajectory.Logger
	rt     runtime.Runtime
	git    *gitexec.Git

	listener net.Listener
	lockFile *os.File

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	// claimsMu guards per-task claim counts for this daemon instance;
	// reclaim trajectory events report them as retry_count.
	claimsMu sync.Mutex
	claims   map[string]int
}

// New builds a daemon from resolved configuration: registers the
// worktree, constructs the runtime, verifies its capabilities, takes
// the single-instance lock and binds the socket (owner-only perms).
func New(cfg *config.Config, logger *log.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[harnessd] ", log.LstdFlags)
	}
	socketPath := cfg.Socket
	if socketPath == "" {
		socketPath = SocketPath(cfg.Worktree)
	}

	if _, err := registry.New(cfg.RegistryFile).Register(cfg.Worktree); err != nil {
		logger.Printf("registry: %v", err)
	}

	execLock := runtime.NewExecLock()
	rt, err := runtime.New(cfg.Runtime, execLock)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.CheckCapabilities(ctx); err != nil {
		return nil, err
	}

	d := &Daemon{
		socketPath: socketPath,
		worktree:   cfg.Worktree,
		logger:     logger,
		states:     state.NewManager(cfg.Worktree),
		traj:       trajectory.NewLogger(filepath.Join(cfg.Worktree, ".claude", "trajectory.jsonl")),
		rt:         rt,
		git:        gitexec.New(rt, execLock),
		stopped:    make(chan struct{}),
		claims:     map[string]int{},
	}

	if err := d.acquireLock(); err != nil {
		return nil, err
	}

	// A socket file left by a crashed daemon would make bind fail; the
	// instance lock guarantees no live daemon owns it.
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.releaseLock()
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		d.releaseLock()
		return nil, fmt.Errorf("bind %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		d.releaseLock()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	d.listener = ln
	return d, nil
}

// acquireLock takes a non-blocking exclusive flock on <socket>.lock so
// a second daemon for the same worktree fails fast.
func (d *Daemon) acquireLock() error {
	f, err := os.OpenFile(d.socketPath+".lock", os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open instance lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("another daemon is already running for this worktree")
	}
	d.lockFile = f
	return nil
}

func (d *Daemon) releaseLock() {
	if d.lockFile == nil {
		return
	}
	syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
	d.lockFile.Close()
	os.Remove(d.lockFile.Name())
	d.lockFile = nil
}

// Serve accepts connections until Shutdown. Each connection gets its
// own goroutine; handlers block freely without stalling the accept
// loop.
func (d *Daemon) Serve() error {
	d.logger.Printf("listening on %s (worktree %s)", d.socketPath, d.worktree)
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopped:
				return nil
			default:
				return err
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(conn)
		}()
	}
}

// Run serves until a termination signal or Shutdown, then cleans up.
func (d *Daemon) Run() error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	go func() {
		select {
		case s := <-sigs:
			d.logger.Printf("received %s, shutting down", s)
			d.Shutdown()
		case <-d.stopped:
		}
	}()

	err := d.Serve()
	d.Shutdown()
	return err
}

// Shutdown stops accepting, waits briefly for in-flight handlers, and
// removes the socket and instance lock. Safe to call more than once and
// from handler goroutines.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.listener.Close()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			d.logger.Printf("drain timeout, abandoning in-flight handlers")
		}

		os.Remove(d.socketPath)
		d.releaseLock()
		d.logger.Printf("stopped")
	})
}

// serveConn reads newline-delimited JSON requests and writes one JSON
// response line per request. Malformed requests get an error response;
// nothing a client sends can take the server down.
func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 {
			return // EOF or read error with nothing buffered
		}

		var req request
		var resp response
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			resp = errorf("invalid request: %v", jsonErr)
		} else {
			resp = d.dispatch(&req)
		}

		out, marshalErr := json.Marshal(resp)
		if marshalErr != nil {
			out, _ = json.Marshal(errorf("marshal response: %v", marshalErr))
		}
		if _, err := conn.Write(append(out, '\n')); err != nil {
			return
		}
		if err != nil {
			return // request line had no trailing newline; stream is done
		}
	}
}
