package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tenantd/internal/logrelay"
	"github.com/loykin/tenantd/internal/metrics"
	"github.com/loykin/tenantd/internal/ports"
	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/workspace"
)

// Options controls worker lifecycle timing. Zero values are replaced by the
// defaults below; tests shrink them to keep runs fast.
type Options struct {
	// DataRoot is the directory holding one working directory per workspace.
	DataRoot string
	// WorkerCommand is the shell command that starts one worker. The listen
	// host and port are appended as --host/--port arguments.
	WorkerCommand string
	// Host is the address workers bind and the watchdog probes.
	Host string
	// DisableAuth stops the api key from being passed to workers.
	DisableAuth bool

	GracePeriod     time.Duration // startup window during which probe failures are ignored
	HealthTimeout   time.Duration // per-probe HTTP timeout
	CrashLoopWindow time.Duration // uptime below this counts as a crash loop
	CrashCooldown   time.Duration // pause before restarting a crash-looping worker
	StopWait        time.Duration // SIGTERM to SIGKILL escalation delay
	ReapWait        time.Duration // how long to wait for the reaper after SIGKILL
	Stagger         time.Duration // delay between launches in LaunchAll
}

func (o *Options) fillDefaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = 60 * time.Second
	}
	if o.HealthTimeout == 0 {
		o.HealthTimeout = 3 * time.Second
	}
	if o.CrashLoopWindow == 0 {
		o.CrashLoopWindow = 5 * time.Second
	}
	if o.CrashCooldown == 0 {
		o.CrashCooldown = 5 * time.Second
	}
	if o.StopWait == 0 {
		o.StopWait = 2 * time.Second
	}
	if o.ReapWait == 0 {
		o.ReapWait = 5 * time.Second
	}
	if o.Stagger == 0 {
		o.Stagger = 100 * time.Millisecond
	}
}

// handle tracks one running worker process. waitDone is closed by the reaper
// goroutine once Wait returns, so liveness is a non-blocking channel check.
type handle struct {
	cfg       workspace.Config
	cmd       *exec.Cmd
	startedAt time.Time
	sink      *logrelay.Sink
	waitDone  chan struct{}
	exitErr   error
}

func (h *handle) alive() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Supervisor owns the worker processes for all workspaces: spawning, log
// capture, port bookkeeping, and watchdog-driven restarts.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*handle
	locks   map[string]*sync.Mutex

	reg    registry.Registry
	alloc  *ports.Allocator
	logs   *logrelay.Manager
	opts   Options
	client *http.Client
	log    *slog.Logger
}

func New(reg registry.Registry, alloc *ports.Allocator, logs *logrelay.Manager, opts Options, log *slog.Logger) *Supervisor {
	opts.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		workers: make(map[string]*handle),
		locks:   make(map[string]*sync.Mutex),
		reg:     reg,
		alloc:   alloc,
		logs:    logs,
		opts:    opts,
		client:  &http.Client{Timeout: opts.HealthTimeout},
		log:     log,
	}
}

// wsLock returns the per-workspace mutex, creating it on first use. Start and
// Stop for the same workspace serialize on it without blocking other tenants.
func (s *Supervisor) wsLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[name]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[name] = lk
	}
	return lk
}

// Start launches the worker for cfg. It is a no-op when the worker is already
// running. The configured port is evicted of stale listeners first; when it
// still cannot be bound a new port is allocated and persisted to the registry.
func (s *Supervisor) Start(ctx context.Context, cfg workspace.Config) error {
	lk := s.wsLock(cfg.Workspace)
	lk.Lock()
	defer lk.Unlock()
	return s.startLocked(ctx, cfg)
}

func (s *Supervisor) startLocked(ctx context.Context, cfg workspace.Config) error {
	s.mu.Lock()
	prev, stale := s.workers[cfg.Workspace]
	if stale && prev.alive() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if stale {
		// dead handle: release its port reservation and log sink through the
		// stop path so the configured port is reusable below
		s.stopLocked(cfg.Workspace)
	}

	s.alloc.Evict(cfg.Port)
	port, err := s.alloc.Allocate(cfg.Port)
	if err != nil {
		return fmt.Errorf("allocate port for %s: %w", cfg.Workspace, err)
	}
	if port != cfg.Port {
		s.log.Warn("configured port unavailable, moving worker", "workspace", cfg.Workspace, "from", cfg.Port, "to", port)
		if err := s.reg.UpdatePort(ctx, cfg.Workspace, port); err != nil {
			s.alloc.Release(port)
			return fmt.Errorf("persist port for %s: %w", cfg.Workspace, err)
		}
		cfg.Port = port
	}

	dataDir := filepath.Join(s.opts.DataRoot, cfg.Workspace)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		s.alloc.Release(port)
		return err
	}

	sink, err := s.logs.Open(cfg.Workspace)
	if err != nil {
		s.alloc.Release(port)
		return fmt.Errorf("open log sink for %s: %w", cfg.Workspace, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		s.logs.Remove(cfg.Workspace)
		s.alloc.Release(port)
		return err
	}

	cmdline := fmt.Sprintf("%s --host %s --port %d", s.opts.WorkerCommand, s.opts.Host, cfg.Port)
	cmd := exec.Command("/bin/sh", "-c", cmdline) // #nosec G204 -- command comes from operator config
	cmd.Env = append(os.Environ(),
		"WORKSPACE="+cfg.Workspace,
		"WORKING_DIR="+dataDir,
		"PORT="+strconv.Itoa(cfg.Port),
	)
	if !s.opts.DisableAuth && cfg.APIKey != "" {
		cmd.Env = append(cmd.Env, "WORKER_API_KEY="+cfg.APIKey)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		s.logs.Remove(cfg.Workspace)
		s.alloc.Release(port)
		return fmt.Errorf("start worker for %s: %w", cfg.Workspace, err)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	h := &handle{cfg: cfg, cmd: cmd, startedAt: time.Now(), sink: sink, waitDone: make(chan struct{})}
	go logrelay.Relay(pr, sink)
	go func() {
		h.exitErr = cmd.Wait()
		close(h.waitDone)
	}()

	s.mu.Lock()
	s.workers[cfg.Workspace] = h
	s.mu.Unlock()

	metrics.IncStart(cfg.Workspace)
	s.log.Info("worker started", "workspace", cfg.Workspace, "port", cfg.Port, "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the worker for name and releases its port and log sink.
// Stopping a workspace with no running worker is a no-op.
func (s *Supervisor) Stop(_ context.Context, name string) error {
	lk := s.wsLock(name)
	lk.Lock()
	defer lk.Unlock()
	s.stopLocked(name)
	return nil
}

func (s *Supervisor) stopLocked(name string) {
	s.mu.Lock()
	h, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.terminate(h)
	// socket release can lag the kill; evict stragglers before reuse
	s.alloc.Evict(h.cfg.Port)
	s.alloc.Release(h.cfg.Port)
	s.logs.Remove(name)
	s.log.Info("worker stopped", "workspace", name, "port", h.cfg.Port)
}

// terminate signals the whole process group: SIGTERM, then SIGKILL after
// StopWait. Waits on the reaper goroutine rather than calling Wait twice.
func (s *Supervisor) terminate(h *handle) {
	if !h.alive() {
		return
	}
	pid := h.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-h.waitDone:
		return
	case <-time.After(s.opts.StopWait):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-h.waitDone:
	case <-time.After(s.opts.ReapWait):
		s.log.Warn("worker did not exit after SIGKILL", "workspace", h.cfg.Workspace, "pid", pid)
	}
}

// StopAll stops every running worker. Used during shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		_ = s.Stop(ctx, name)
	}
}

// LaunchAll starts a worker for every registered workspace, pausing Stagger
// between launches so a cold boot does not thundering-herd the host.
func (s *Supervisor) LaunchAll(ctx context.Context) error {
	cfgs, err := s.reg.List(ctx)
	if err != nil {
		return err
	}
	s.log.Info("launching registered workspaces", "count", len(cfgs))
	for i, cfg := range cfgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.Start(ctx, cfg); err != nil {
			s.log.Error("failed to launch workspace", "workspace", cfg.Workspace, "error", err)
		}
		if i < len(cfgs)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.Stagger):
			}
		}
	}
	return nil
}

// Lookup returns the config of a live worker by workspace name.
func (s *Supervisor) Lookup(name string) (workspace.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.workers[name]
	if !ok || !h.alive() {
		return workspace.Config{}, false
	}
	return h.cfg, true
}

// LookupByKey returns the config of a live worker by api key.
func (s *Supervisor) LookupByKey(key string) (workspace.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.workers {
		if h.alive() && h.cfg.APIKey == key {
			return h.cfg, true
		}
	}
	return workspace.Config{}, false
}

// Running reports the number of live workers.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.workers {
		if h.alive() {
			n++
		}
	}
	return n
}

func (s *Supervisor) snapshot() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		hs = append(hs, h)
	}
	return hs
}

// CheckHealth runs one watchdog pass over all workers. A failure for one
// workspace never blocks recovery of the others.
func (s *Supervisor) CheckHealth(ctx context.Context) {
	for _, h := range s.snapshot() {
		if err := s.checkWorker(ctx, h); err != nil {
			s.log.Error("watchdog recovery failed", "workspace", h.cfg.Workspace, "error", err)
		}
	}
	metrics.SetRunningWorkers(s.Running())
}

func (s *Supervisor) checkWorker(ctx context.Context, h *handle) error {
	name := h.cfg.Workspace
	if !h.alive() {
		metrics.IncCrash(name)
		s.log.Warn("worker exited unexpectedly", "workspace", name, "error", h.exitErr)
		return s.recoverCrashed(ctx, h)
	}
	if time.Since(h.startedAt) < s.opts.GracePeriod {
		return nil
	}
	if s.probe(ctx, h.cfg) {
		return nil
	}
	metrics.IncHealthFailure(name)
	s.log.Warn("worker unresponsive, restarting", "workspace", name, "port", h.cfg.Port)
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	metrics.IncRestart(name)
	return s.Start(ctx, h.cfg)
}

// recoverCrashed restarts a dead worker from the registry's current config.
// The re-fetch matters: the workspace may have been deleted, or its port
// reassigned, since the worker was launched.
func (s *Supervisor) recoverCrashed(ctx context.Context, h *handle) error {
	name := h.cfg.Workspace
	uptime := time.Since(h.startedAt)

	cfg, err := s.reg.GetByName(ctx, name)
	notFound := errors.Is(err, registry.ErrNotFound)
	if err != nil && !notFound {
		return err
	}

	if stopErr := s.Stop(ctx, name); stopErr != nil {
		return stopErr
	}
	if notFound {
		s.log.Info("workspace deleted, not restarting", "workspace", name)
		return nil
	}

	if uptime < s.opts.CrashLoopWindow {
		s.log.Warn("worker died too fast, pausing before restart", "workspace", name, "uptime", uptime, "cooldown", s.opts.CrashCooldown)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.CrashCooldown):
		}
	}
	metrics.IncRestart(name)
	return s.Start(ctx, cfg)
}

// probe issues the worker health check. The api key is sent whenever the
// workspace has one, even with gateway auth disabled, since the worker may
// still enforce it.
func (s *Supervisor) probe(ctx context.Context, cfg workspace.Config) bool {
	url := fmt.Sprintf("http://%s:%d/health", s.opts.Host, cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Watch runs the watchdog loop until ctx is cancelled: a warmup pause after
// daemon start, then one CheckHealth pass per interval.
func (s *Supervisor) Watch(ctx context.Context, warmup, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(warmup):
	}
	s.log.Info("watchdog active", "interval", interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.CheckHealth(ctx)
		}
	}
}
