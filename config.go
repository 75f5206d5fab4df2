package memstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/grafana/memstore/shard"
)

// Config is the top-level, yaml-tagged configuration for a MemStore
// node, mirroring friggdb.Config's layout: one struct per concern,
// embedded and nested rather than flattened.
type Config struct {
	Shard      shard.Config     `yaml:"shard"`
	Downsample DownsampleConfig `yaml:"downsample"`
}

// DownsampleConfig is parsed from the "downsample" section. Enabled is
// not read anywhere: New publishes downsample summaries of flushed
// chunks whenever it is given a non-nil Publisher, whatever Enabled
// says. The real downsample computation is out of scope (spec.md §1)
// and only a stand-in Publisher ships in this repo.
type DownsampleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads and parses a yaml Config file at path, the same
// entry point friggdb.Config's loader exposes to its cmd/ binary.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memstore: reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("memstore: parsing config file: %w", err)
	}
	return &cfg, nil
}
