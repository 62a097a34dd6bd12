package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Jobs.ShutdownTimeout)
	assert.Equal(t, DriverDuckDB, cfg.Store.Driver)
	assert.Equal(t, AnalyzerLeaks, cfg.Analyzer.Kind)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, int64(512<<20), cfg.Archive.MaxBytes)
	assert.Zero(t, cfg.Analyzer.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CODESENSE_JOBS_MAX_CONCURRENT", "3")
	t.Setenv("CODESENSE_HTTP_ADDR", ":9999")
	t.Setenv("CODESENSE_ANALYZER_TIMEOUT", "90s")
	t.Setenv("CODESENSE_STORE_DRIVER", "postgres")
	t.Setenv("CODESENSE_STORE_DSN", "postgres://localhost/codesense")
	t.Setenv("CODESENSE_HTTP_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 90*time.Second, cfg.Analyzer.Timeout)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codesense.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  max_concurrent: 4
analyzer:
  kind: docker
  image: ghcr.io/acme/lint:1
  command: ["lint", "/workspace"]
workspace:
  dir: /var/lib/codesense
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, AnalyzerDocker, cfg.Analyzer.Kind)
	assert.Equal(t, "ghcr.io/acme/lint:1", cfg.Analyzer.Image)
	assert.Equal(t, []string{"lint", "/workspace"}, cfg.Analyzer.Command)
	assert.Equal(t, "/var/lib/codesense", cfg.Workspace.Dir)
	// untouched keys keep defaults
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero capacity", func(c *Config) { c.Jobs.MaxConcurrent = 0 }, "jobs.max_concurrent"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"docker without image", func(c *Config) { c.Analyzer.Kind = AnalyzerDocker }, "analyzer.image"},
		{"wasm without path", func(c *Config) { c.Analyzer.Kind = AnalyzerWasm }, "analyzer.wasm_path"},
		{"unknown analyzer", func(c *Config) { c.Analyzer.Kind = "magic" }, "analyzer.kind"},
		{"burst with limit", func(c *Config) { c.HTTP.RateBurst = 0 }, "http.rate_burst"},
		{"negative timeout", func(c *Config) { c.Analyzer.Timeout = -time.Second }, "analyzer.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("rate limit off allows zero burst", func(t *testing.T) {
		cfg := valid()
		cfg.HTTP.RateLimit = 0
		cfg.HTTP.RateBurst = 0
		assert.NoError(t, cfg.Validate())
	})
}
