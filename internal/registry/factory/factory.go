package factory

import (
	"fmt"
	"strings"

	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/registry/memory"
	"github.com/loykin/tenantd/internal/registry/postgres"
	"github.com/loykin/tenantd/internal/registry/sqlite"
)

// Config selects and parameterizes a registry backend.
type Config struct {
	Type string `mapstructure:"type"` // "memory", "sqlite", "postgres"
	Path string `mapstructure:"path"` // sqlite file path
	DSN  string `mapstructure:"dsn"`  // postgres connection string
}

// New builds a registry from config. An empty type means in-memory.
func New(cfg Config) (registry.Registry, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite registry requires path")
		}
		return sqlite.New(cfg.Path)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres registry requires dsn")
		}
		return postgres.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}
