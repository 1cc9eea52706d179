// Package trajectory is the append-only JSONL event journal for a
// worktree. Appends are O_APPEND kernel-atomic; tail reads the file
// backward in fixed blocks so cost depends on the tail size, not the
// journal size.
package trajectory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// tailBlockSize is the reverse-read granularity.
	tailBlockSize = 4096

	// DefaultMaxTailBytes caps how much of the file tail may buffer;
	// a pathologically long line stops the scan instead of OOMing.
	DefaultMaxTailBytes = 1 << 20
)

// Logger appends events to a JSONL journal and serves bounded tail reads.
//
// The append path takes no lock shared with the state engine: O_APPEND
// makes concurrent single-write appends atomic at the kernel layer. The
// logger mutex only guards tail reads and directory creation.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a logger for the given journal path. The file is
// created on first append.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Path returns the journal file path.
func (l *Logger) Path() string { return l.path }

// Log appends one event as a single JSON line, fsyncing for crash
// durability. A missing "timestamp" field is filled in.
func (l *Logger) Log(event map[string]any) error {
	if event == nil {
		return fmt.Errorf("trajectory event is nil")
	}
	if _, ok := event["timestamp"]; !ok {
		event["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := l.ensureDir(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Logger) ensureDir() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return os.MkdirAll(filepath.Dir(l.path), 0o755)
}

// Tail returns the last n events in chronological order. A missing
// journal yields an empty slice. Corrupt or truncated lines (a crash
// can leave a partial last line) are skipped, not errors.
func (l *Logger) Tail(n int) ([]map[string]any, error) {
	return l.TailBounded(n, DefaultMaxTailBytes)
}

// TailBounded is Tail with an explicit byte cap on how far back the
// scan may reach. When the cap is hit before n lines are found, the
// lines found so far are returned.
func (l *Logger) TailBounded(n, maxBytes int) ([]map[string]any, error) {
	if n <= 0 {
		return []map[string]any{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []map[string]any{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	// One extra candidate absorbs a corrupt partial last line without
	// shorting the result.
	lines, err := lastLines(f, n+1, maxBytes)
	if err != nil {
		return nil, err
	}

	// Parse outside the block loop: one pass over at most n+1 candidates.
	events := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// lastLines reads backward from the end of f in tailBlockSize blocks,
// splitting on newlines as it goes and keeping at most n complete
// lines. It never re-joins previously read blocks, so the work per
// block is constant and total cost is O(n + blocks read).
func lastLines(f *os.File, n, maxBytes int) ([][]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return nil, nil
	}

	// lines accumulates complete lines in reverse order; carry holds
	// the partial line spanning backward into the next block.
	var lines [][]byte
	var carry []byte
	pos := size
	bytesRead := 0

	for pos > 0 && len(lines) < n && bytesRead < maxBytes {
		readSize := int64(tailBlockSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize

		block := make([]byte, readSize)
		if _, err := f.ReadAt(block, pos); err != nil {
			return nil, err
		}
		bytesRead += int(readSize)

		// Walk the block backward, emitting a line at each newline.
		end := len(block)
		for i := len(block) - 1; i >= 0 && len(lines) < n; i-- {
			if block[i] != '\n' {
				continue
			}
			seg := block[i+1 : end]
			if len(seg) > 0 || len(carry) > 0 {
				line := make([]byte, 0, len(seg)+len(carry))
				line = append(line, seg...)
				line = append(line, carry...)
				lines = append(lines, line)
				carry = nil
			}
			end = i
		}
		if len(lines) < n {
			head := make([]byte, 0, end+len(carry))
			head = append(head, block[:end]...)
			head = append(head, carry...)
			carry = head
		}
	}

	// Whatever carry remains at file start is the first line.
	if pos == 0 && len(lines) < n && len(carry) > 0 {
		lines = append(lines, carry)
	}

	// Reverse to chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Reset truncates the journal. Only an explicit workflow reset may do
// this; the append path never rewrites existing bytes.
func (l *Logger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Truncate(l.path, 0)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
