// Package config loads codesense settings from a YAML file and CODESENSE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CODESENSE"

type HTTP struct {
	Addr           string   `mapstructure:"addr"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
}

type Jobs struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Workspace struct {
	// Dir is the parent of all job workspaces. Empty means the OS temp dir.
	Dir string `mapstructure:"dir"`
}

type Archive struct {
	MaxFiles int   `mapstructure:"max_files"`
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type Store struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type Analyzer struct {
	Kind         string        `mapstructure:"kind"`
	Image        string        `mapstructure:"image"`
	Command      []string      `mapstructure:"command"`
	MemoryMB     int64         `mapstructure:"memory_mb"`
	CPUs         float64       `mapstructure:"cpus"`
	WasmPath     string        `mapstructure:"wasm_path"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
	Parallelism  int           `mapstructure:"parallelism"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	Jobs      Jobs      `mapstructure:"jobs"`
	Workspace Workspace `mapstructure:"workspace"`
	Archive   Archive   `mapstructure:"archive"`
	Store     Store     `mapstructure:"store"`
	Analyzer  Analyzer  `mapstructure:"analyzer"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Log       Log       `mapstructure:"log"`
}

const (
	AnalyzerLeaks  = "leaks"
	AnalyzerDocker = "docker"
	AnalyzerWasm   = "wasm"

	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
)

// SetDefaults registers a default for every key. Env overrides only reach
// keys viper knows about, so nothing may be left out here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 5.0)
	v.SetDefault("http.rate_burst", 10)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.max_upload_bytes", int64(100<<20))

	v.SetDefault("jobs.max_concurrent", 10)
	v.SetDefault("jobs.shutdown_timeout", 30*time.Second)

	v.SetDefault("workspace.dir", "")

	v.SetDefault("archive.max_files", 10000)
	v.SetDefault("archive.max_bytes", int64(512<<20))

	v.SetDefault("store.driver", DriverDuckDB)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.migrate", true)

	v.SetDefault("analyzer.kind", AnalyzerLeaks)
	v.SetDefault("analyzer.image", "")
	v.SetDefault("analyzer.command", []string{})
	v.SetDefault("analyzer.memory_mb", int64(512))
	v.SetDefault("analyzer.cpus", 1.0)
	v.SetDefault("analyzer.wasm_path", "")
	v.SetDefault("analyzer.max_file_bytes", int64(2<<20))
	v.SetDefault("analyzer.parallelism", 0)
	v.SetDefault("analyzer.timeout", time.Duration(0))

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("log.level", "info")
}

// New returns a viper instance wired for codesense: defaults, env prefix
// and dotted keys mapped to underscores (jobs.max_concurrent ->
// CODESENSE_JOBS_MAX_CONCURRENT).
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if set) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst < 1 {
		errs = append(errs, errors.New("http.rate_burst must be at least 1 when rate limiting is on"))
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("http.max_upload_bytes must be positive"))
	}
	if c.Jobs.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent must be at least 1, got %d", c.Jobs.MaxConcurrent))
	}
	if c.Jobs.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("jobs.shutdown_timeout must not be negative"))
	}
	if c.Archive.MaxFiles < 1 || c.Archive.MaxBytes < 1 {
		errs = append(errs, errors.New("archive limits must be positive"))
	}

	switch c.Store.Driver {
	case DriverDuckDB:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Analyzer.Kind {
	case AnalyzerLeaks:
	case AnalyzerDocker:
		if c.Analyzer.Image == "" {
			errs = append(errs, errors.New("analyzer.image is required for the docker analyzer"))
		}
	case AnalyzerWasm:
		if c.Analyzer.WasmPath == "" {
			errs = append(errs, errors.New("analyzer.wasm_path is required for the wasm analyzer"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown analyzer.kind %q", c.Analyzer.Kind))
	}
	if c.Analyzer.Timeout < 0 {
		errs = append(errs, errors.New("analyzer.timeout must not be negative"))
	}

	return errors.Join(errs...)
}
