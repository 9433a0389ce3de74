package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncprov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
suffix: dc=example,dc=com
serverID: 3
database: /var/lib/syncprov/entries.db
checkpoint:
  ops: 10
  interval: 30s
sessionLog:
  size: 500
noPresent: true
reloadHint: true
store: badger
badger:
  path: /var/lib/syncprov/ctx
logLevel: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com", cfg.Suffix)
	assert.Equal(t, 3, cfg.ServerID)
	assert.Equal(t, 10, cfg.Checkpoint.Ops)
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.Interval)
	assert.Equal(t, 500, cfg.SessionLog.Size)
	assert.Equal(t, StoreBadger, cfg.Store)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	// absent keys keep their defaults
	assert.Equal(t, Default().Delivery.Workers, cfg.Delivery.Workers)

	opts := cfg.Options(slog.Default())
	assert.Equal(t, "dc=example,dc=com", opts.Suffix)
	assert.Equal(t, 3, opts.ServerID)
	assert.Equal(t, 500, opts.SessionLogSize)
	assert.True(t, opts.NoPresent)
	assert.True(t, opts.UseHint)
	assert.Equal(t, 10, opts.Checkpoint.Ops)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "suffix: dc=example,dc=com\n")
	t.Setenv("SYNCPROV_SERVER_ID", "7")
	t.Setenv("SYNCPROV_CHECKPOINT_INTERVAL", "1m")
	t.Setenv("SYNCPROV_NOPRESENT", "true")
	t.Setenv("SYNCPROV_LOG_LEVEL", "WARN")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ServerID)
	assert.Equal(t, time.Minute, cfg.Checkpoint.Interval)
	assert.True(t, cfg.NoPresent)
	assert.Equal(t, slog.LevelWarn, cfg.Level())

	t.Setenv("SYNCPROV_SERVER_ID", "seven")
	_, err = Load(path)
	assert.ErrorContains(t, err, "SYNCPROV_SERVER_ID")
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(c *Config)
	}{
		{"missing suffix", func(c *Config) { c.Suffix = "" }},
		{"sid out of range", func(c *Config) { c.ServerID = 4096 }},
		{"unknown store", func(c *Config) { c.Store = "bolt" }},
		{"badger without path", func(c *Config) { c.Store = StoreBadger }},
		{"negative session log", func(c *Config) { c.SessionLog.Size = -1 }},
		{"unknown level", func(c *Config) { c.LogLevel = "trace" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Suffix = "dc=example,dc=com"
			require.NoError(t, cfg.Validate())
			tc.edit(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Suffix = "dc=example,dc=com"
	cfg.Store = StoreBadger
	cfg.Badger.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = Load(writeFile(t, "suffix: [unterminated\n"))
	assert.Error(t, err)
}
