// Package config carries the tunables named in spec.md §6: page size,
// growth block size, WAL checkpoint threshold, and reserved dictionary
// IDs, plus the ambient logging/metrics toggles spec.md's ambient stack
// expansion adds. Loadable from defaults, a YAML file, or environment
// variables, following the layered-source pattern of the teacher's
// pkg/config (FileSource / EnvSource), simplified to this module's
// smaller surface.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Allowed page sizes, per spec.md §3.
const (
	PageSize8K  = 8192
	PageSize16K = 16384
	PageSize32K = 32768
)

// Config is the full set of tunables for one database instance.
type Config struct {
	// PageSize is the fixed page size for the paged file. Must be one of
	// PageSize8K, PageSize16K, PageSize32K.
	PageSize uint32 `yaml:"page_size"`

	// GrowthBlockSize is the block the paged file grows by; must be a
	// multiple of PageSize.
	GrowthBlockSize uint32 `yaml:"growth_block_size"`

	// MaxWALSize triggers an automatic checkpoint once the WAL exceeds
	// this many bytes after a commit.
	MaxWALSize int64 `yaml:"max_wal_size"`

	// ReservedDictionaryIDs is the last reserved dictionary ID: IDs [0..N]
	// are set aside for built-in field names and user IDs start at N+1.
	ReservedDictionaryIDs uint16 `yaml:"reserved_dictionary_ids"`

	// MaxSinglePageDocument is the largest serialized document that fits
	// in one primary slot before the overflow protocol kicks in.
	MaxSinglePageDocument uint32 `yaml:"max_single_page_document"`

	// BTreeMaxEntries is the fan-out threshold MAX from spec.md §4.6.
	BTreeMaxEntries int `yaml:"btree_max_entries"`

	// PageCacheCapacity bounds the LRU page cache's page count.
	PageCacheCapacity int `yaml:"page_cache_capacity"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	DataDir string `yaml:"data_dir"`
	Source  string `yaml:"-"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the spec's recommended defaults: 16 KiB pages, a 1 MiB
// growth block, a 4 MiB WAL checkpoint threshold (spec.md §4.3), and
// reserved_dictionary_ids covering the BSON built-in field-name set.
func Default() *Config {
	return &Config{
		PageSize:              PageSize16K,
		GrowthBlockSize:       1 << 20,
		MaxWALSize:            4 << 20,
		ReservedDictionaryIDs: 256,
		MaxSinglePageDocument: 15 * 1024,
		BTreeMaxEntries:       64,
		PageCacheCapacity:     4096,
		Logging:               LoggingConfig{Level: "info"},
		Metrics:                MetricsConfig{Enabled: false, Namespace: "docstore"},
		DataDir:               ".",
	}
}

// LoadFile merges a YAML file on top of Default(). A missing file is not
// an error; the defaults are used as-is.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.Source = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DOCSTORE_* environment variables,
// following the teacher's prefix+field-name env convention.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DOCSTORE_PAGE_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("DOCSTORE_PAGE_SIZE: %w", err)
		}
		c.PageSize = uint32(n)
	}
	if v := os.Getenv("DOCSTORE_GROWTH_BLOCK_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("DOCSTORE_GROWTH_BLOCK_SIZE: %w", err)
		}
		c.GrowthBlockSize = uint32(n)
	}
	if v := os.Getenv("DOCSTORE_MAX_WAL_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DOCSTORE_MAX_WAL_SIZE: %w", err)
		}
		c.MaxWALSize = n
	}
	if v := os.Getenv("DOCSTORE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DOCSTORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return c.Validate()
}

// Validate rejects configurations spec.md's data model would treat as
// corrupt before they ever reach a paged file.
func (c *Config) Validate() error {
	switch c.PageSize {
	case PageSize8K, PageSize16K, PageSize32K:
	default:
		return fmt.Errorf("page_size must be one of 8192, 16384, 32768, got %d", c.PageSize)
	}
	if c.GrowthBlockSize == 0 || c.GrowthBlockSize%c.PageSize != 0 {
		return fmt.Errorf("growth_block_size must be a positive multiple of page_size")
	}
	if c.MaxSinglePageDocument == 0 || c.MaxSinglePageDocument >= c.PageSize {
		return fmt.Errorf("max_single_page_document must be positive and less than page_size")
	}
	if c.BTreeMaxEntries < 4 {
		return fmt.Errorf("btree_max_entries must be at least 4")
	}
	if c.MaxWALSize <= 0 {
		return fmt.Errorf("max_wal_size must be positive")
	}
	return nil
}
