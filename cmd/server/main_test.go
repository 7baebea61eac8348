package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(options{}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, *cfg.Server.Port)
	assert.NotNil(t, cfg.Logging)
}

func TestLoadConfig_FileAndPortOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 8081\ncontext_path = \"/app\"\n"), 0o644))

	cfg, err := loadConfig(options{configPath: path}, false)
	require.NoError(t, err)
	assert.Equal(t, 8081, *cfg.Server.Port)
	assert.Equal(t, "/app", cfg.Server.ContextPath)

	cfg, err = loadConfig(options{configPath: path, port: 9090}, true)
	require.NoError(t, err)
	assert.Equal(t, 9090, *cfg.Server.Port)
}

func TestLoadConfig_InvalidPortOverride(t *testing.T) {
	_, err := loadConfig(options{port: 70000}, true)
	assert.Error(t, err)
}

func TestRootCmd_RejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"nope": 1}}`), 0o644))

	cmd := newRootCmd()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", path})
	assert.Error(t, cmd.Execute())
	assert.Contains(t, stderr.String(), "Error:")
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"extra"})
	assert.Error(t, cmd.Execute())
}
