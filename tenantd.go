package tenantd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/tenantd/internal/config"
	"github.com/loykin/tenantd/internal/gateway"
	"github.com/loykin/tenantd/internal/logger"
	"github.com/loykin/tenantd/internal/logrelay"
	"github.com/loykin/tenantd/internal/metrics"
	"github.com/loykin/tenantd/internal/ports"
	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/registry/factory"
	"github.com/loykin/tenantd/internal/server"
	"github.com/loykin/tenantd/internal/supervisor"
	"github.com/loykin/tenantd/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = config.FileConfig

type WorkspaceConfig = workspace.Config

type Registry = registry.Registry

// Defaults returns the built-in daemon configuration.
func Defaults() Config { return config.Defaults() }

// LoadConfig reads a TOML configuration file merged over Defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Daemon bundles the registry, supervisor, and gateway into one runnable unit.
type Daemon struct {
	cfg  Config
	log  *slog.Logger
	reg  registry.Registry
	sup  *supervisor.Supervisor
	logs *logrelay.Manager
	srv  *http.Server

	cancel   context.CancelFunc
	stopLogs chan struct{}
	once     sync.Once
}

// New wires a Daemon from cfg. The registry backend is opened here; Run starts
// the workers and the HTTP listener.
func New(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	reg, err := factory.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	alloc := ports.New(cfg.Worker.BasePort)
	logs := logrelay.NewManager(cfg.LogRoot)
	sup := supervisor.New(reg, alloc, logs, supervisor.Options{
		DataRoot:      cfg.DataRoot,
		WorkerCommand: cfg.Worker.Command,
		DisableAuth:   cfg.DisableAuth,
		GracePeriod:   cfg.Worker.GracePeriod,
		Stagger:       cfg.Worker.Stagger,
	}, log)

	resolver := gateway.NewResolver(reg, alloc, sup, cfg.AutoCreate, log)
	fwd := gateway.NewForwarder("127.0.0.1", cfg.Worker.RequestTimeout, cfg.RootPath, cfg.DisableAuth, log)
	router := server.NewRouter(reg, alloc, sup, resolver, fwd, dataWiper(cfg.DataRoot), server.Options{
		AdminKey:     cfg.AdminKey,
		DisableAuth:  cfg.DisableAuth,
		ReadyTimeout: cfg.Worker.ReadyTimeout,
		RootPath:     cfg.RootPath,
	}, log)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Daemon{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		sup:      sup,
		logs:     logs,
		srv:      server.NewServer(addr, router),
		stopLogs: make(chan struct{}),
	}, nil
}

// dataWiper removes a workspace's working directory. The name is re-validated
// so a registry row can never steer the wipe outside the data root.
func dataWiper(root string) server.Wiper {
	return func(ws string) error {
		if err := workspace.ValidateName(ws); err != nil {
			return err
		}
		return os.RemoveAll(filepath.Join(root, ws))
	}
}

// Handler exposes the HTTP surface, mainly for tests and embedding.
func (d *Daemon) Handler() http.Handler { return d.srv.Handler }

// Run starts all registered workers, the watchdog, the log rotation loop, and
// then serves HTTP until ctx is cancelled or Shutdown is called.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.logs.Run(d.stopLogs)
	go func() {
		if err := d.sup.LaunchAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("startup launch sequence failed", "error", err)
		}
	}()
	go d.sup.Watch(ctx, d.cfg.Worker.WatchdogWarmup, d.cfg.Worker.WatchdogInterval)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), d.cfg.Worker.RequestTimeout)
		defer cancelShutdown()
		_ = d.srv.Shutdown(shutdownCtx)
	}()

	d.log.Info("tenantd listening", "addr", d.srv.Addr, "auth", !d.cfg.DisableAuth, "auto_create", d.cfg.AutoCreate)
	err := d.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	d.shutdownWorkers()
	return err
}

// Shutdown stops the HTTP listener, all workers, and the registry connection.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	err := d.srv.Shutdown(ctx)
	d.shutdownWorkers()
	return err
}

func (d *Daemon) shutdownWorkers() {
	d.once.Do(func() {
		close(d.stopLogs)
		d.sup.StopAll(context.Background())
		_ = d.reg.Close()
		d.log.Info("tenantd stopped")
	})
}
