package plume

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrConfig = errors.New("plume: invalid configuration")

// Config controls a world. The zero value is not valid, start from
// DefaultConfig.
type Config struct {
	// Number of sub-domains per rank. More sub-domains than ranks keeps the
	// pipeline load-balanced; every rank must use the same value.
	Overdecomposition int `yaml:"overdecomposition"`
	// Worker goroutines for the parallel sections (snapshots, exact tests)
	Workers int `yaml:"workers"`
	// Build a per-rank hierarchy over the published patches. Without it the
	// broadphase tests incoming patches against every local patch.
	BuildTrees bool `yaml:"build_trees"`
	// Publish every narrowphase patch instead of only the broadphase-active
	// ones. Slower, same results; useful to cross-check the active-patch
	// optimization.
	CopyAllNarrowphasePatches bool `yaml:"copy_all_narrowphase_patches"`

	Logger *slog.Logger `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Overdecomposition: 2,
		Workers:           DEFAULT_WORKERS,
		BuildTrees:        true,
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("plume: reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("plume: parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Overdecomposition < 1 {
		return fmt.Errorf("%w: overdecomposition %d, want at least 1", ErrConfig, c.Overdecomposition)
	}
	return nil
}
