// Package config loads engine configuration from TOML, overlaying it
// on the documented defaults.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config is the engine's sole configuration surface.
type Config struct {
	BufferPoolSize uint32 `toml:"buffer_pool_size"`
	PageCapacity   uint32 `toml:"page_capacity"`
	BPlusTreeT     uint32 `toml:"bplustree_t"`
	LockTimeoutMs  uint32 `toml:"lock_timeout_ms"`
	DataDir        string `toml:"data_dir"`
}

// Default returns the documented defaults. DataDir is left empty; callers
// must set it explicitly since it has no sane default.
func Default() *Config {
	return &Config{
		BufferPoolSize: 64,
		PageCapacity:   16,
		BPlusTreeT:     3,
		LockTimeoutMs:  5000,
	}
}

// Load reads a TOML file and overlays its fields onto Default(). Fields
// absent from the file keep their default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	// Unmarshal zeroes keys absent from the file; restore their defaults.
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	def := Default()
	for key, restore := range map[string]func(){
		"buffer_pool_size": func() { cfg.BufferPoolSize = def.BufferPoolSize },
		"page_capacity":    func() { cfg.PageCapacity = def.PageCapacity },
		"bplustree_t":      func() { cfg.BPlusTreeT = def.BPlusTreeT },
		"lock_timeout_ms":  func() { cfg.LockTimeoutMs = def.LockTimeoutMs },
	} {
		if !tree.Has(key) {
			restore()
		}
	}

	return cfg, nil
}

// Validate rejects configurations that would make the engine unable to
// make progress (e.g. a buffer pool too small to ever hold one pinned page).
func (c *Config) Validate() error {
	if c.BufferPoolSize == 0 {
		return errors.New("buffer_pool_size must be > 0")
	}
	if c.PageCapacity == 0 {
		return errors.New("page_capacity must be > 0")
	}
	if c.BPlusTreeT < 2 {
		return errors.New("bplustree_t must be >= 2")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	return nil
}
