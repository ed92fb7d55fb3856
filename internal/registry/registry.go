package registry

import (
	"context"
	"errors"

	"github.com/loykin/tenantd/internal/workspace"
)

// Registry is the persistence boundary for workspace records. The control
// plane only ever reaches storage through these operations.
type Registry interface {
	// Create inserts a new record; name, key and port are each unique.
	Create(ctx context.Context, cfg workspace.Config) error
	GetByName(ctx context.Context, name string) (workspace.Config, error)
	GetByKey(ctx context.Context, apiKey string) (workspace.Config, error)
	List(ctx context.Context) ([]workspace.Config, error)
	Delete(ctx context.Context, name string) error
	// UpdatePort persists a runtime port reassignment back to storage.
	UpdatePort(ctx context.Context, name string, port int) error
	Close() error
}

var (
	// ErrDuplicateWorkspace is returned by Create when the name, key, or
	// port collides with an existing record.
	ErrDuplicateWorkspace = errors.New("workspace already exists")
	// ErrNotFound is returned by lookups that match no record.
	ErrNotFound = errors.New("workspace not found")
)
