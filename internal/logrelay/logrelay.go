package logrelay

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/tenantd/internal/metrics"
)

// Worker output is captured through a pipe and appended to per-workspace log
// files whose names embed the current 5-minute bucket. Rotation is a handle
// swap on the control-plane side: the worker keeps writing to the same pipe
// and is never signalled or restarted.

const (
	// RotationInterval is the time bucket width for log file names.
	RotationInterval = 5 * time.Minute
	// rotateCheckEvery is how often the rotation loop re-evaluates paths.
	rotateCheckEvery = time.Minute
	// rotateInitialDelay defers the first check past process startup.
	rotateInitialDelay = 30 * time.Second

	timestampLayout = "2006-01-02_15-04"
)

// bucket rounds t down to the enclosing RotationInterval boundary,
// keeping the wall-clock minute math (a 5-minute bucket is minute - minute%5).
func bucket(t time.Time) time.Time {
	interval := int(RotationInterval / time.Minute)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()-t.Minute()%interval, 0, 0, t.Location())
}

// Path returns the log file path for workspace at time t:
// <root>/<ws>/<ws>_<bucketed timestamp>.log
func Path(root, workspace string, t time.Time) string {
	ts := bucket(t).Format(timestampLayout)
	return filepath.Join(root, workspace, fmt.Sprintf("%s_%s.log", workspace, ts))
}

// Sink is the append target for one workspace's relay. The mutex serializes
// relay writes with rotation swaps so a line can never straddle two files.
type Sink struct {
	mu        sync.Mutex
	workspace string
	root      string
	now       func() time.Time

	f      *os.File
	path   string
	closed bool
}

// writeLine appends one already-sanitised line to the active file.
// Writes after Close are dropped; the relay drains the pipe until EOF even
// when the supervisor tore the sink down first.
func (s *Sink) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.f == nil {
		return
	}
	if _, err := s.f.WriteString(line); err != nil {
		slog.Warn("log write failed", "workspace", s.workspace, "path", s.path, "error", err)
	}
}

// Rotate opens a fresh file when the current bucket's path differs from the
// active one and swaps the handle under the lock. No-op within a bucket.
func (s *Sink) Rotate() error {
	newPath := Path(s.root, s.workspace, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || newPath == s.path {
		return nil
	}
	f, err := openAppend(newPath)
	if err != nil {
		return fmt.Errorf("rotate %s: %w", s.workspace, err)
	}
	old := s.f
	s.f = f
	s.path = newPath
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// CurrentPath returns the active log file path.
func (s *Sink) CurrentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Close flushes and closes the active handle. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is derived from a validated workspace name
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

// Manager tracks every open sink so the rotation loop can sweep them all.
type Manager struct {
	mu    sync.Mutex
	root  string
	now   func() time.Time
	sinks map[string]*Sink
}

// NewManager creates a Manager writing under root.
func NewManager(root string) *Manager {
	return &Manager{root: root, now: time.Now, sinks: make(map[string]*Sink)}
}

// Open creates (or replaces) the sink for workspace, opening the file for the
// current bucket immediately so spawn failures surface before the process runs.
func (m *Manager) Open(workspace string) (*Sink, error) {
	s := &Sink{workspace: workspace, root: m.root, now: m.now}
	path := Path(m.root, workspace, m.now())
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open log for %s: %w", workspace, err)
	}
	s.f = f
	s.path = path

	m.mu.Lock()
	if prev, ok := m.sinks[workspace]; ok {
		_ = prev.Close()
	}
	m.sinks[workspace] = s
	m.mu.Unlock()
	return s, nil
}

// Remove closes and forgets the sink for workspace.
func (m *Manager) Remove(workspace string) {
	m.mu.Lock()
	s, ok := m.sinks[workspace]
	delete(m.sinks, workspace)
	m.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// RotateAll rotates every tracked sink. Errors are logged per sink and never
// stop the sweep.
func (m *Manager) RotateAll() {
	m.mu.Lock()
	sinks := make([]*Sink, 0, len(m.sinks))
	for _, s := range m.sinks {
		sinks = append(sinks, s)
	}
	m.mu.Unlock()
	for _, s := range sinks {
		before := s.CurrentPath()
		if err := s.Rotate(); err != nil {
			slog.Warn("log rotation failed", "workspace", s.workspace, "error", err)
			continue
		}
		if s.CurrentPath() != before {
			metrics.IncLogRotation(s.workspace)
		}
	}
}

// Run drives periodic rotation until done is closed. The loop itself never
// terminates on a rotation error.
func (m *Manager) Run(done <-chan struct{}) {
	select {
	case <-time.After(rotateInitialDelay):
	case <-done:
		return
	}
	t := time.NewTicker(rotateCheckEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.RotateAll()
		case <-done:
			return
		}
	}
}

// Relay drains r line by line into sink until EOF (worker exit closes the
// pipe). Undecodable bytes are replaced, never dropped, and the final
// unterminated line is still written. Runs on its own goroutine because pipe
// reads block.
func Relay(r io.ReadCloser, sink *Sink) {
	defer func() { _ = r.Close() }()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			sink.writeLine(strings.ToValidUTF8(line, "�"))
		}
		if err != nil {
			return
		}
	}
}
