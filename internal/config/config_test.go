package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenantd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	fc := Defaults()
	assert.Equal(t, "0.0.0.0", fc.Host)
	assert.Equal(t, 8000, fc.Port)
	assert.Equal(t, 9000, fc.Worker.BasePort)
	assert.Equal(t, 60*time.Second, fc.Worker.GracePeriod)
	assert.Equal(t, 15*time.Second, fc.Worker.ReadyTimeout)
	assert.Equal(t, "memory", fc.Store.Type)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
port = 8080
admin_key = "secret"
auto_create = true

[worker]
command = "python -m worker"
base_port = 9100
grace_period = "30s"

[store]
type = "sqlite"
path = "reg.db"

[log]
level = "debug"
`)
	fc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, fc.Port)
	assert.True(t, fc.AutoCreate)
	assert.Equal(t, "python -m worker", fc.Worker.Command)
	assert.Equal(t, 9100, fc.Worker.BasePort)
	assert.Equal(t, 30*time.Second, fc.Worker.GracePeriod)
	// untouched defaults survive the merge
	assert.Equal(t, 15*time.Second, fc.Worker.ReadyTimeout)
	assert.Equal(t, "sqlite", fc.Store.Type)
	assert.Equal(t, "reg.db", fc.Store.Path)
	assert.Equal(t, "debug", fc.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	fc := Defaults()
	fc.Worker.Command = "sleep 30"
	fc.AdminKey = "k"
	require.NoError(t, fc.Validate())

	bad := fc
	bad.Port = 0
	assert.Error(t, bad.Validate())

	bad = fc
	bad.Worker.BasePort = 70000
	assert.Error(t, bad.Validate())

	bad = fc
	bad.Worker.Command = ""
	assert.Error(t, bad.Validate())

	bad = fc
	bad.AdminKey = ""
	assert.Error(t, bad.Validate())
	bad.DisableAuth = true
	assert.NoError(t, bad.Validate())
}
