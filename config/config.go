// Package config loads and validates the engine configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/sushant-115/kagedb/pkg/logger"
	"github.com/sushant-115/kagedb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// EngineConfig holds the storage-engine core parameters.
type EngineConfig struct {
	// PoolSize is the number of frames in the buffer pool.
	PoolSize int `yaml:"pool_size"`
	// PageSize is the payload size of every page in bytes.
	PageSize int `yaml:"page_size"`
	// ReplacerK is the history parameter of the LRU-K replacer.
	ReplacerK int `yaml:"replacer_k"`
	// BucketSize is the capacity of each extendible-hash bucket.
	BucketSize int `yaml:"bucket_size"`
	// DataFile is the path of the page file.
	DataFile string `yaml:"data_file"`
	// WALDir is the directory holding the write-ahead log.
	WALDir string `yaml:"wal_dir"`
}

// Config is the root configuration document.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			PoolSize:   64,
			PageSize:   4096,
			ReplacerK:  2,
			BucketSize: 4,
			DataFile:   "kagedb.db",
			WALDir:     "wal",
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "kagedb",
			PrometheusPort: 9464,
		},
	}
}

// Load reads path, overlays it on the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine.pool_size must be positive, got %d", c.Engine.PoolSize)
	}
	if c.Engine.PageSize <= 0 {
		return fmt.Errorf("engine.page_size must be positive, got %d", c.Engine.PageSize)
	}
	if c.Engine.ReplacerK < 1 {
		return fmt.Errorf("engine.replacer_k must be at least 1, got %d", c.Engine.ReplacerK)
	}
	if c.Engine.BucketSize <= 0 {
		return fmt.Errorf("engine.bucket_size must be positive, got %d", c.Engine.BucketSize)
	}
	if c.Engine.DataFile == "" {
		return fmt.Errorf("engine.data_file must not be empty")
	}
	return nil
}
