package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.BlockBufferSize != 20*1024*1024 {
		t.Fatalf("block buffer size = %d", cfg.BlockBufferSize)
	}
	if cfg.StructMode != StructModeNamed {
		t.Fatalf("struct mode = %q", cfg.StructMode)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.yaml")
	body := `
endpoint: https://tunnel.example.com
project: analytics
quota_name: fast-lane
table_read_limit: 5000
read_timeout: 30s
staging:
  bucket: stage-bucket
  concurrency: 8
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint != "https://tunnel.example.com" || cfg.Project != "analytics" {
		t.Fatalf("endpoint/project = %q/%q", cfg.Endpoint, cfg.Project)
	}
	if cfg.QuotaName != "fast-lane" {
		t.Fatalf("quota = %q", cfg.QuotaName)
	}
	if cfg.TableReadLimit != 5000 {
		t.Fatalf("table read limit = %d", cfg.TableReadLimit)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("read timeout = %v", cfg.ReadTimeout)
	}
	if cfg.Staging.Bucket != "stage-bucket" || cfg.Staging.Concurrency != 8 {
		t.Fatalf("staging = %+v", cfg.Staging)
	}
	// Unset keys keep their defaults.
	if cfg.BlockBufferSize != Default().BlockBufferSize {
		t.Fatalf("block buffer size = %d", cfg.BlockBufferSize)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.json")
	body := `{"endpoint": "https://t.example.com", "project": "p", "max_read_retries": 2}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint != "https://t.example.com" || cfg.MaxReadRetries != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.toml")
	if err := os.WriteFile(path, []byte("endpoint = 'x'"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("TUNNEL_ENDPOINT", "https://env.example.com")
	t.Setenv("TUNNEL_PROJECT", "envproj")
	t.Setenv("TUNNEL_READ_TIMEOUT", "45s")
	t.Setenv("TUNNEL_ENABLE_CLIENT_METRICS", "1")
	t.Setenv("TUNNEL_STRUCT_MODE", "map")

	cfg := Default()
	cfg.Endpoint = "https://file.example.com"
	LoadFromEnv(cfg)

	if cfg.Endpoint != "https://env.example.com" {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Project != "envproj" {
		t.Fatalf("project = %q", cfg.Project)
	}
	if cfg.ReadTimeout != 45*time.Second {
		t.Fatalf("read timeout = %v", cfg.ReadTimeout)
	}
	if !cfg.EnableClientMetrics {
		t.Fatal("metrics not enabled")
	}
	if cfg.StructMode != StructModeMap {
		t.Fatalf("struct mode = %q", cfg.StructMode)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero block buffer", func(c *Config) { c.BlockBufferSize = 0 }},
		{"zero batch size", func(c *Config) { c.ReadRowBatchSize = 0 }},
		{"zero merge threshold", func(c *Config) { c.BatchMergeThreshold = 0 }},
		{"negative read limit", func(c *Config) { c.TableReadLimit = -1 }},
		{"negative retries", func(c *Config) { c.MaxReadRetries = -1 }},
		{"bad struct mode", func(c *Config) { c.StructMode = "tuple" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
