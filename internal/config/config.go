// Package config provides the explicit configuration value threaded through
// tunnel sessions, readers and writers. There is no ambient mutable global
// state: callers construct a Config once and pass it down.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StructModeName selects struct column materialization on decode.
type StructModeName string

const (
	StructModeNamed      StructModeName = "named"
	StructModeMap        StructModeName = "map"
	StructModeOrderedMap StructModeName = "ordered_map"
)

// Config holds every knob the tunnel core consumes.
type Config struct {
	// Endpoint is the tunnel service base URL.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Project is the default project (namespace) for table references.
	Project string `json:"project" yaml:"project"`

	// QuotaName is attached as a request parameter to every control- and
	// data-plane call when set.
	QuotaName string `json:"quota_name" yaml:"quota_name"`

	// BlockBufferSize is the byte threshold at which a buffered writer
	// flushes its current physical block to the network.
	BlockBufferSize int `json:"block_buffer_size" yaml:"block_buffer_size"`

	// ReadRowBatchSize is the number of records accumulated into one
	// columnar frame during bulk consumption.
	ReadRowBatchSize int `json:"read_row_batch_size" yaml:"read_row_batch_size"`

	// BatchMergeThreshold bounds the number of pending frames before they
	// are merged, limiting peak memory during bulk consumption.
	BatchMergeThreshold int `json:"batch_merge_threshold" yaml:"batch_merge_threshold"`

	// TableReadLimit caps the number of records any reader delivers.
	// Zero means unlimited. Exceeding the cap truncates silently with a
	// non-fatal warning.
	TableReadLimit int64 `json:"table_read_limit" yaml:"table_read_limit"`

	// MaxReadRetries bounds resumable-read reopen attempts per reader.
	MaxReadRetries int `json:"max_read_retries" yaml:"max_read_retries"`

	// ReadTimeout bounds a single read request, including the wait for a
	// download session stuck in initiating status.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds a single block upload request.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// EnableClientMetrics requests per-operation cost accounting when the
	// negotiated protocol version supports it.
	EnableClientMetrics bool `json:"enable_client_metrics" yaml:"enable_client_metrics"`

	// AllowAntiqueDate permits dates earlier than the antique threshold
	// instead of raising a datetime overflow.
	AllowAntiqueDate bool `json:"allow_antique_date" yaml:"allow_antique_date"`

	// OverflowDateAsNone substitutes NULL for overflowing dates instead of
	// raising. Independent of AllowAntiqueDate.
	OverflowDateAsNone bool `json:"overflow_date_as_none" yaml:"overflow_date_as_none"`

	// StringAsBinary decodes string columns as raw bytes.
	StringAsBinary bool `json:"string_as_binary" yaml:"string_as_binary"`

	// StructMode selects struct materialization: named, map, ordered_map.
	StructMode StructModeName `json:"struct_mode" yaml:"struct_mode"`

	// Staging configures the optional object-store staging path for block
	// uploads.
	Staging StagingConfig `json:"staging" yaml:"staging"`

	// CheckpointPath is the sqlite file used by the download resume
	// journal. Empty disables checkpointing.
	CheckpointPath string `json:"checkpoint_path" yaml:"checkpoint_path"`
}

// StagingConfig holds object-store staging configuration.
type StagingConfig struct {
	// Bucket is the staging bucket name. Empty disables staging.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the bucket region.
	Region string `json:"region" yaml:"region"`

	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Concurrency is the number of parallel staged block uploads.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BlockBufferSize:     20 * 1024 * 1024,
		ReadRowBatchSize:    1024,
		BatchMergeThreshold: 128,
		MaxReadRetries:      5,
		ReadTimeout:         120 * time.Second,
		WriteTimeout:        120 * time.Second,
		StructMode:          StructModeNamed,
		Staging: StagingConfig{
			Concurrency: 5,
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file, applied over
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := Default()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies TUNNEL_-prefixed environment variables over cfg.
// A .env file in the working directory is honored when present.
func LoadFromEnv(cfg *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("TUNNEL_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("TUNNEL_PROJECT"); v != "" {
		cfg.Project = v
	}
	if v := os.Getenv("TUNNEL_QUOTA_NAME"); v != "" {
		cfg.QuotaName = v
	}
	if v := os.Getenv("TUNNEL_BLOCK_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BlockBufferSize = n
		}
	}
	if v := os.Getenv("TUNNEL_TABLE_READ_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TableReadLimit = n
		}
	}
	if v := os.Getenv("TUNNEL_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReadTimeout = d
		}
	}
	if v := os.Getenv("TUNNEL_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WriteTimeout = d
		}
	}
	if v := os.Getenv("TUNNEL_ENABLE_CLIENT_METRICS"); v != "" {
		cfg.EnableClientMetrics = v == "true" || v == "1"
	}
	if v := os.Getenv("TUNNEL_ALLOW_ANTIQUE_DATE"); v != "" {
		cfg.AllowAntiqueDate = v == "true" || v == "1"
	}
	if v := os.Getenv("TUNNEL_OVERFLOW_DATE_AS_NONE"); v != "" {
		cfg.OverflowDateAsNone = v == "true" || v == "1"
	}
	if v := os.Getenv("TUNNEL_STRING_AS_BINARY"); v != "" {
		cfg.StringAsBinary = v == "true" || v == "1"
	}
	if v := os.Getenv("TUNNEL_STRUCT_MODE"); v != "" {
		cfg.StructMode = StructModeName(v)
	}
	if v := os.Getenv("TUNNEL_STAGING_BUCKET"); v != "" {
		cfg.Staging.Bucket = v
	}
	if v := os.Getenv("TUNNEL_CHECKPOINT_PATH"); v != "" {
		cfg.CheckpointPath = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BlockBufferSize <= 0 {
		return fmt.Errorf("config: block_buffer_size must be positive, got %d", c.BlockBufferSize)
	}
	if c.ReadRowBatchSize <= 0 {
		return fmt.Errorf("config: read_row_batch_size must be positive, got %d", c.ReadRowBatchSize)
	}
	if c.BatchMergeThreshold <= 0 {
		return fmt.Errorf("config: batch_merge_threshold must be positive, got %d", c.BatchMergeThreshold)
	}
	if c.TableReadLimit < 0 {
		return fmt.Errorf("config: table_read_limit cannot be negative, got %d", c.TableReadLimit)
	}
	if c.MaxReadRetries < 0 {
		return fmt.Errorf("config: max_read_retries cannot be negative, got %d", c.MaxReadRetries)
	}
	switch c.StructMode {
	case StructModeNamed, StructModeMap, StructModeOrderedMap:
	default:
		return fmt.Errorf("config: invalid struct_mode: %s (must be named, map, or ordered_map)", c.StructMode)
	}
	return nil
}
