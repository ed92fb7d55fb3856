package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/tenantd/internal/logrelay"
	"github.com/loykin/tenantd/internal/ports"
	"github.com/loykin/tenantd/internal/registry/memory"
	"github.com/loykin/tenantd/internal/supervisor"
	"github.com/loykin/tenantd/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolverFixture(t *testing.T, basePort int, autoCreate bool) (*Resolver, *memory.Registry, *supervisor.Supervisor) {
	t.Helper()
	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	reg := memory.New()
	alloc := ports.New(basePort)
	sup := supervisor.New(reg, alloc, logrelay.NewManager(t.TempDir()), supervisor.Options{
		WorkerCommand: "/bin/sh " + script,
		DataRoot:      t.TempDir(),
		StopWait:      200 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { sup.StopAll(context.Background()) })
	return NewResolver(reg, alloc, sup, autoCreate, nil), reg, sup
}

func TestByNameStartsRegisteredWorkspace(t *testing.T) {
	r, reg, sup := newResolverFixture(t, 42700, false)
	ctx := context.Background()

	cfg, err := workspace.New("tenant_a", "key_a", 42700)
	require.NoError(t, err)
	require.NoError(t, reg.Create(ctx, cfg))

	res, err := r.ByName(ctx, "tenant_a")
	require.NoError(t, err)
	assert.True(t, res.JustStarted)
	assert.Equal(t, "tenant_a", res.Config.Workspace)
	assert.Equal(t, 1, sup.Running())

	// second resolve hits the live worker
	res2, err := r.ByName(ctx, "tenant_a")
	require.NoError(t, err)
	assert.False(t, res2.JustStarted)
	assert.Equal(t, res.Config.Port, res2.Config.Port)
}

func TestByNameUnknownWorkspace(t *testing.T) {
	r, _, _ := newResolverFixture(t, 42720, false)
	_, err := r.ByName(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
}

func TestByNameAutoCreate(t *testing.T) {
	r, reg, sup := newResolverFixture(t, 42740, true)
	ctx := context.Background()

	res, err := r.ByName(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, res.JustStarted)
	assert.Len(t, res.Config.APIKey, 43)
	assert.Equal(t, 1, sup.Running())

	persisted, err := reg.GetByName(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, res.Config.APIKey, persisted.APIKey)
}

func TestByNameRejectsInvalidAutoCreateName(t *testing.T) {
	r, _, _ := newResolverFixture(t, 42760, true)
	_, err := r.ByName(context.Background(), "bad-name")
	assert.ErrorIs(t, err, workspace.ErrInvalidName)
}

func TestByKey(t *testing.T) {
	r, reg, _ := newResolverFixture(t, 42780, false)
	ctx := context.Background()

	cfg, err := workspace.New("keyed", "the_api_key_value", 42780)
	require.NoError(t, err)
	require.NoError(t, reg.Create(ctx, cfg))

	res, err := r.ByKey(ctx, "the_api_key_value")
	require.NoError(t, err)
	assert.Equal(t, "keyed", res.Config.Workspace)
	assert.True(t, res.JustStarted)

	_, err = r.ByKey(ctx, "wrong")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestProvisionDuplicate(t *testing.T) {
	reg := memory.New()
	alloc := ports.New(42800)
	ctx := context.Background()

	cfg, err := Provision(ctx, reg, alloc, "dup")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cfg.Port, 42800)

	_, err = Provision(ctx, reg, alloc, "dup")
	assert.Error(t, err)
}

func TestWaitReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a failing status still counts as ready
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	require.NoError(t, WaitReady(context.Background(), "127.0.0.1", upstreamPort(t, ts), time.Second))

	err := WaitReady(context.Background(), "127.0.0.1", freePort(t), 600*time.Millisecond)
	assert.Error(t, err)
}
