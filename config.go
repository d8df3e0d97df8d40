package mergetree

import (
	"errors"
	"os"

	"github.com/goccy/go-yaml"
)

const (
	STRATEGY_SIZE_TIERED = "size_tiered"
	STRATEGY_LEVELED     = "leveled"
	STRATEGY_UNIFIED     = "unified"
)

type Config struct {
	DbPath         string `yaml:"db_path"`
	MaxLevels      int    `yaml:"max_levels"`
	BlockSize      int    `yaml:"block_size"`
	BlockCacheSize int64  `yaml:"block_cache_size"`
	Compression    string `yaml:"compression"`

	Strategy StrategyCfg `yaml:"strategy"`
}

type StrategyCfg struct {
	Kind     string `yaml:"kind"`
	Parallel bool   `yaml:"parallel"`
	Shards   int    `yaml:"shards"`

	// SizeRatio bounds a size-tiered bucket: tables are grouped while their
	// size stays under SizeRatio times the smallest table of the bucket.
	SizeRatio float64 `yaml:"size_ratio"`
	MinTables int     `yaml:"min_tables"`
	MaxTables int     `yaml:"max_tables"`

	// LevelFanout is how many tables a level tolerates before the leveled
	// strategy schedules it for compaction into the next level.
	LevelFanout int `yaml:"level_fanout"`
}

func NewDefaultConfig() *Config {
	return &Config{
		DbPath:         "/tmp/mergetree",
		MaxLevels:      5,
		BlockSize:      4 * 1024,
		BlockCacheSize: 8 * 1024 * 1024,
		Compression:    "snappy",
		Strategy: StrategyCfg{
			Kind:        STRATEGY_SIZE_TIERED,
			Shards:      4,
			SizeRatio:   4,
			MinTables:   2,
			MaxTables:   32,
			LevelFanout: 4,
		},
	}
}

// ReadConfig loads a YAML config file on top of the defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(errors.New("failed to read config file"), err)
	}

	if err = yaml.Unmarshal(content, cfg); err != nil {
		return nil, errors.Join(errors.New("failed to parse config file"), err)
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.DbPath == "" {
		return errors.New("db_path cannot be empty")
	}
	if c.MaxLevels < 1 {
		return errors.New("max_levels must be at least 1")
	}
	if c.BlockSize < 64 {
		return errors.New("block_size must be at least 64 bytes")
	}
	if c.Strategy.MinTables < 2 {
		return errors.New("strategy.min_tables must be at least 2")
	}
	if c.Strategy.Kind != STRATEGY_SIZE_TIERED && c.Strategy.Kind != STRATEGY_LEVELED && c.Strategy.Kind != STRATEGY_UNIFIED {
		return errors.New("unknown strategy kind: " + c.Strategy.Kind)
	}
	if c.Strategy.Parallel && c.Strategy.Shards < 1 {
		return errors.New("strategy.shards must be at least 1 when parallel")
	}
	return nil
}
