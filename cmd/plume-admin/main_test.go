package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/plume-admin/pkg/platform"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "/etc/plume.yaml", "-address", ":9000", "-version"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/plume.yaml", opts.configPath)
	assert.Equal(t, ":9000", opts.address)
	assert.True(t, opts.showVersion)

	_, err = parseFlags([]string{"-unknown"})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults with address override", func(t *testing.T) {
		cfg, err := loadConfig(serverOptions{address: "127.0.0.1:1234"})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:1234", cfg.Server.Address)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  name: staging\n"), 0o600))
		cfg, err := loadConfig(serverOptions{configPath: path})
		require.NoError(t, err)
		assert.Equal(t, "staging", cfg.Server.Name)
		assert.Equal(t, platform.DefaultAddress, cfg.Server.Address)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(serverOptions{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, platform.LoggingConfig{Level: "warn", Format: "json"}).Info("hidden")
	assert.Empty(t, buf.String())

	newLogger(&buf, platform.LoggingConfig{Level: "debug", Format: "text"}).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), "msg=shown")

	buf.Reset()
	newLogger(&buf, platform.LoggingConfig{Level: "bogus", Format: "json"}).Info("fallback")
	assert.Contains(t, buf.String(), `"msg":"fallback"`)
}

func TestRun_Version(t *testing.T) {
	assert.NoError(t, run([]string{"-version"}))
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o600))
	assert.Error(t, run([]string{"-config", path}))
}
