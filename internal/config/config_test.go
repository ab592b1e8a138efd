package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, uint32(64), cfg.BufferPoolSize)
	assert.Equal(t, uint32(16), cfg.PageCapacity)
	assert.Equal(t, uint32(3), cfg.BPlusTreeT)
	assert.Equal(t, uint32(5000), cfg.LockTimeoutMs)
	assert.Empty(t, cfg.DataDir)
}

func TestLoad_OverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
buffer_pool_size = 8
data_dir = "/tmp/engine-data"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), cfg.BufferPoolSize)
	assert.Equal(t, "/tmp/engine-data", cfg.DataDir)
	assert.Equal(t, uint32(16), cfg.PageCapacity, "fields absent from the file keep their default")
	assert.Equal(t, uint32(5000), cfg.LockTimeoutMs)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults with data_dir", func(c *Config) { c.DataDir = "/tmp/x" }, true},
		{"missing data_dir", func(c *Config) {}, false},
		{"zero buffer pool", func(c *Config) { c.DataDir = "/tmp/x"; c.BufferPoolSize = 0 }, false},
		{"zero page capacity", func(c *Config) { c.DataDir = "/tmp/x"; c.PageCapacity = 0 }, false},
		{"degree below minimum", func(c *Config) { c.DataDir = "/tmp/x"; c.BPlusTreeT = 1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
