package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, filepath.Join(dir, "smbproxy", "connections.yaml"), cfg.Store.Path)
	assert.Equal(t, int64(64*1024), cfg.Reader.ChunkSize)
	assert.Equal(t, int64(1024*1024), cfg.Reader.LookAhead)
	assert.Equal(t, time.Second, cfg.Mount.EntryTimeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
store:
  path: /var/lib/smbproxy/connections.yaml
cache:
  max_metadata: 5000
reader:
  chunk_size: 32768
  look_ahead: 262144
mount:
  mountpoint: /mnt/smb
  entry_timeout: 5s
metrics:
  enabled: true
  listen: ":9100"
`)

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/var/lib/smbproxy/connections.yaml", cfg.Store.Path)
	assert.Equal(t, 5000, cfg.Cache.MaxMetadata)
	assert.Equal(t, "/mnt/smb", cfg.Mount.Mountpoint)
	assert.Equal(t, 5*time.Second, cfg.Mount.EntryTimeout)
	assert.Equal(t, time.Second, cfg.Mount.AttrTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)

	rc := cfg.RepositoryConfig()
	assert.Equal(t, 32768, rc.Reader.ChunkSize)
	assert.Equal(t, int64(262144), rc.Reader.LookAhead)
	assert.Equal(t, 5000, rc.Cache.MaxMetadata)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SMBPROXY_LOGGING_LEVEL", "WARN")
	t.Setenv("SMBPROXY_MOUNT_MOUNTPOINT", "/mnt/env")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "/mnt/env", cfg.Mount.Mountpoint)
}

func TestLoadConfig_Flags(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SMBPROXY_LOGGING_FORMAT", "json")
	path := writeConfig(t, "logging:\n  level: error\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "INFO", "")
	flags.String("log-format", "text", "")
	flags.String("store", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level", "DEBUG", "--store", "/tmp/conns.yaml"}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format, "unset flag must not override the environment")
	assert.Equal(t, "/tmp/conns.yaml", cfg.Store.Path)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "logging:\n  level: verbose\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"look-ahead below chunk", "reader:\n  chunk_size: 1024\n  look_ahead: 512\n"},
		{"negative cache bound", "cache:\n  max_handles: -1\n"},
		{"metrics without listen", "metrics:\n  enabled: true\n  listen: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content), nil)
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestOpenStore_KeyFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyPath, []byte(hex.EncodeToString(make([]byte, 32))+"\n"), 0o600))

	cfg := &Config{Store: StoreConfig{Path: filepath.Join(dir, "connections.yaml"), KeyFile: keyPath}}
	store, err := cfg.OpenStore()
	require.NoError(t, err)
	assert.Equal(t, cfg.Store.Path, store.Path())

	require.NoError(t, os.WriteFile(keyPath, []byte("not hex"), 0o600))
	_, err = cfg.OpenStore()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(keyPath, []byte("abcd"), 0o600))
	_, err = cfg.OpenStore()
	assert.Error(t, err)

	cfg.Store.KeyFile = filepath.Join(dir, "missing")
	_, err = cfg.OpenStore()
	assert.Error(t, err)
}
