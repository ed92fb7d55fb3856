package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/tenantd/internal/ports"
	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/supervisor"
	"github.com/loykin/tenantd/internal/workspace"
)

var (
	// ErrUnknownWorkspace is returned when a workspace name resolves to nothing
	// and auto-create is off.
	ErrUnknownWorkspace = errors.New("unknown workspace")
	// ErrInvalidKey is returned when an api key matches no workspace.
	ErrInvalidKey = errors.New("invalid api key")
)

// RoutingResult is the outcome of resolving a request to a worker.
type RoutingResult struct {
	Config      workspace.Config
	JustStarted bool
}

// Resolver maps incoming requests to running workers, starting them on demand.
type Resolver struct {
	reg        registry.Registry
	alloc      *ports.Allocator
	sup        *supervisor.Supervisor
	autoCreate bool
	log        *slog.Logger
}

func NewResolver(reg registry.Registry, alloc *ports.Allocator, sup *supervisor.Supervisor, autoCreate bool, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{reg: reg, alloc: alloc, sup: sup, autoCreate: autoCreate, log: log}
}

// ByName resolves a workspace by its X-Workspace header value. A registered
// workspace with no live worker gets started; an unregistered name is
// auto-created when enabled.
func (r *Resolver) ByName(ctx context.Context, name string) (RoutingResult, error) {
	if cfg, ok := r.sup.Lookup(name); ok {
		return RoutingResult{Config: cfg}, nil
	}

	cfg, err := r.reg.GetByName(ctx, name)
	switch {
	case err == nil:
		return r.startAndRoute(ctx, cfg)
	case errors.Is(err, registry.ErrNotFound) && r.autoCreate:
		r.log.Info("auto-creating workspace", "workspace", name)
		cfg, err = Provision(ctx, r.reg, r.alloc, name)
		if err != nil {
			return RoutingResult{}, err
		}
		return r.startAndRoute(ctx, cfg)
	case errors.Is(err, registry.ErrNotFound):
		return RoutingResult{}, fmt.Errorf("%w: %s", ErrUnknownWorkspace, name)
	default:
		return RoutingResult{}, err
	}
}

// ByKey resolves a workspace by its X-API-Key header value.
func (r *Resolver) ByKey(ctx context.Context, key string) (RoutingResult, error) {
	if cfg, ok := r.sup.LookupByKey(key); ok {
		return RoutingResult{Config: cfg}, nil
	}
	cfg, err := r.reg.GetByKey(ctx, key)
	if errors.Is(err, registry.ErrNotFound) {
		return RoutingResult{}, ErrInvalidKey
	}
	if err != nil {
		return RoutingResult{}, err
	}
	return r.startAndRoute(ctx, cfg)
}

func (r *Resolver) startAndRoute(ctx context.Context, cfg workspace.Config) (RoutingResult, error) {
	if err := r.sup.Start(ctx, cfg); err != nil {
		return RoutingResult{}, err
	}
	// re-read from the live handle: the port may have moved during start
	if live, ok := r.sup.Lookup(cfg.Workspace); ok {
		cfg = live
	}
	return RoutingResult{Config: cfg, JustStarted: true}, nil
}

// Provision registers a new workspace with a generated api key and a free
// port. The port reservation is released after the registry write so the
// supervisor can claim it when the worker starts.
func Provision(ctx context.Context, reg registry.Registry, alloc *ports.Allocator, name string) (workspace.Config, error) {
	port, err := alloc.Allocate(0)
	if err != nil {
		return workspace.Config{}, err
	}
	defer alloc.Release(port)

	cfg, err := workspace.New(name, workspace.GenerateKey(), port)
	if err != nil {
		return workspace.Config{}, err
	}
	if err := reg.Create(ctx, cfg); err != nil {
		return workspace.Config{}, err
	}
	return cfg, nil
}

// WaitReady polls the worker's root path until it answers HTTP. Any response,
// including an error status, counts as ready: the point is that the app has
// finished loading, not that it is healthy.
func WaitReady(ctx context.Context, host string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	url := fmt.Sprintf("http://%s:%d/", host, port)
	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(timeout)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker on port %d not ready after %s", port, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
