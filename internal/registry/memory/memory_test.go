package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/workspace"
)

func TestMemoryRegistry(t *testing.T) {
	r := New()
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, workspace.Config{Workspace: "demo", APIKey: "K", Port: 9000}))
	assert.ErrorIs(t, r.Create(ctx, workspace.Config{Workspace: "demo", APIKey: "K2", Port: 9001}), registry.ErrDuplicateWorkspace)
	assert.ErrorIs(t, r.Create(ctx, workspace.Config{Workspace: "other", APIKey: "K", Port: 9001}), registry.ErrDuplicateWorkspace)
	assert.ErrorIs(t, r.Create(ctx, workspace.Config{Workspace: "other", APIKey: "K3", Port: 9000}), registry.ErrDuplicateWorkspace)

	got, err := r.GetByKey(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Workspace)

	require.NoError(t, r.UpdatePort(ctx, "demo", 9100))
	got, err = r.GetByName(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 9100, got.Port)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, r.Delete(ctx, "demo"))
	assert.ErrorIs(t, r.Delete(ctx, "demo"), registry.ErrNotFound)
	_, err = r.GetByName(ctx, "demo")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
