package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/workspace"
)

// Registry is a mutex-guarded in-memory implementation. It is the default
// when no store is configured and the backend used by unit tests; records do
// not survive a restart.
type Registry struct {
	mu  sync.RWMutex
	byN map[string]workspace.Config
}

func New() *Registry {
	return &Registry{byN: make(map[string]workspace.Config)}
}

func (r *Registry) Create(_ context.Context, cfg workspace.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byN[cfg.Workspace]; ok {
		return registry.ErrDuplicateWorkspace
	}
	for _, existing := range r.byN {
		if existing.APIKey == cfg.APIKey || existing.Port == cfg.Port {
			return registry.ErrDuplicateWorkspace
		}
	}
	r.byN[cfg.Workspace] = cfg
	return nil
}

func (r *Registry) GetByName(_ context.Context, name string) (workspace.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byN[name]
	if !ok {
		return workspace.Config{}, registry.ErrNotFound
	}
	return cfg, nil
}

func (r *Registry) GetByKey(_ context.Context, apiKey string) (workspace.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.byN {
		if cfg.APIKey == apiKey {
			return cfg, nil
		}
	}
	return workspace.Config{}, registry.ErrNotFound
}

func (r *Registry) List(_ context.Context) ([]workspace.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workspace.Config, 0, len(r.byN))
	for _, cfg := range r.byN {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workspace < out[j].Workspace })
	return out, nil
}

func (r *Registry) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byN[name]; !ok {
		return registry.ErrNotFound
	}
	delete(r.byN, name)
	return nil
}

func (r *Registry) UpdatePort(_ context.Context, name string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.byN[name]
	if !ok {
		return registry.ErrNotFound
	}
	cfg.Port = port
	r.byN[name] = cfg
	return nil
}

func (r *Registry) Close() error { return nil }
