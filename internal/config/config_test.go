package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrchestratorSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[orchestrator]
addr = "0.0.0.0:9000"
db_path = "/tmp/fleet.db"
tick_interval_ms = 25
max_while_iterations = -1
log_format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Contains(t, cfg.Raw, "orchestrator")

	rt := cfg.Orchestrator.WithDefaults()
	assert.Equal(t, "0.0.0.0:9000", rt.Addr)
	assert.Equal(t, "/tmp/fleet.db", rt.DBPath)
	assert.Equal(t, 25*time.Millisecond, rt.TickInterval())
	assert.Equal(t, 50*time.Millisecond, rt.PollInterval())
	assert.Equal(t, -1, rt.MaxWhileIterations)
	assert.Equal(t, "json", rt.LogFormat)
	assert.Equal(t, "info", rt.LogLevel)
	assert.Equal(t, 200, rt.FuelThreshold)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadMissingDefaultFileYieldsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, cfg.Raw)
	assert.Equal(t, "127.0.0.1:8787", cfg.Orchestrator.WithDefaults().Addr)
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[orchestrator\naddr = 1"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
