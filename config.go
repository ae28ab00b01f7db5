package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jnesss/auditmon/correlate"
)

// Config is the startup configuration. It is loaded once and never
// changes for the process lifetime.
type Config struct {
	// ProcessTableMax caps tracked process entries; oldest-exited
	// entries are evicted past the cap.
	ProcessTableMax int `yaml:"process_table_max"`

	// ChecksumTimeout bounds how long an event waits for its
	// checksum job, e.g. "2s".
	ChecksumTimeout string `yaml:"checksum_timeout"`

	// ChecksumCacheSize caps the checksum verdict cache.
	ChecksumCacheSize int `yaml:"checksum_cache_size"`

	// GapPolicy is "emit-partial" or "drop".
	GapPolicy string `yaml:"gap_policy"`

	// RulesDir holds Sigma policy rules; empty disables policy.
	RulesDir string `yaml:"rules_dir"`

	// Sink selects "sqlite" or "log" (JSON lines on stdout).
	Sink string `yaml:"sink"`

	// DataDir is where the sqlite sink keeps its database.
	DataDir string `yaml:"data_dir"`

	checksumTimeout time.Duration
}

func defaultConfig() *Config {
	return &Config{
		ProcessTableMax:   16384,
		ChecksumTimeout:   "2s",
		ChecksumCacheSize: 4096,
		GapPolicy:         correlate.GapEmitPartial,
		Sink:              "sqlite",
		DataDir:           "data",
	}
}

// LoadConfig reads the yaml config at path, or returns defaults when
// path is empty.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %v", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	d, err := time.ParseDuration(c.ChecksumTimeout)
	if err != nil {
		return fmt.Errorf("invalid checksum_timeout %q: %v", c.ChecksumTimeout, err)
	}
	if d <= 0 {
		return fmt.Errorf("checksum_timeout must be positive, got %q", c.ChecksumTimeout)
	}
	c.checksumTimeout = d

	switch c.GapPolicy {
	case correlate.GapEmitPartial, correlate.GapDrop:
	default:
		return fmt.Errorf("invalid gap_policy %q", c.GapPolicy)
	}

	switch c.Sink {
	case "sqlite", "log":
	default:
		return fmt.Errorf("invalid sink %q", c.Sink)
	}
	return nil
}
