// Package stageflowconfig loads the configuration surface the
// orchestrator, breaker, and timeout interceptor read their tunables
// from (spec.md §6 "Configuration knobs"), grounded in
// internal/inference/config's JSON+env layering but standardized on
// YAML to match the teacher's gopkg.in/yaml.v3 usage in
// internal/jobs/pipeline/learning_build/spec.go.
package stageflowconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CircuitBreakerConfig mirrors stageflow.BreakerConfig's fields in a
// YAML/env-friendly shape; stageflowconfig never imports the core
// package, so callers translate via ToBreakerConfig at the wiring site.
type CircuitBreakerConfig struct {
	ObserveOnly        bool `yaml:"observe_only"`
	FailureThreshold   int  `yaml:"failure_threshold"`
	FailureWindowSecs  int  `yaml:"failure_window_seconds"`
	OpenSeconds        int  `yaml:"open_seconds"`
	HalfOpenProbeCount int  `yaml:"half_open_probe_count"`
}

// HTTPConfig configures the run-submission harness (SPEC_FULL.md §4.12).
type HTTPConfig struct {
	Addr              string `yaml:"addr"`
	ReadHeaderTimeout int    `yaml:"read_header_timeout_seconds"`
	IdleTimeoutSecs   int    `yaml:"idle_timeout_seconds"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout_seconds"`
	MaxRequestBytes   int64  `yaml:"max_request_bytes"`
}

// EventSinkConfig selects and configures which concrete EventSink
// implementations (SPEC_FULL.md §4.13) feed from every run.
type EventSinkConfig struct {
	Postgres PostgresSinkConfig `yaml:"postgres"`
	SQLite   SQLiteSinkConfig   `yaml:"sqlite"`
	Redis    RedisSinkConfig    `yaml:"redis"`
	Neo4j    Neo4jSinkConfig    `yaml:"neo4j"`
	GRPC     GRPCSinkConfig     `yaml:"grpc"`
}

// SQLiteSinkConfig configures the local/dev-mode event sink — a
// file-backed alternative to PostgresSinkConfig for running the demo
// pipeline without a database server.
type SQLiteSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// GRPCSinkConfig configures the optional gRPC event exporter
// (SPEC_FULL.md's DOMAIN STACK table, grpc/protobuf row).
type GRPCSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Method  string `yaml:"method"`
}

type PostgresSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type RedisSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type Neo4jSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URI     string `yaml:"uri"`
	User    string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Config is the orchestrator's full configuration surface (spec.md §6).
type Config struct {
	Env                  string               `yaml:"env"`
	DefaultStageTimeoutS int                  `yaml:"default_stage_timeout_seconds"`
	SubpipelineMaxDepth  int                  `yaml:"subpipeline_max_depth"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
	HTTP                 HTTPConfig           `yaml:"http"`
	EventSinks           EventSinkConfig      `yaml:"event_sinks"`
}

// Default returns the config with every spec.md §6-documented default
// populated.
func Default() *Config {
	return &Config{
		Env:                  "development",
		DefaultStageTimeoutS: 30,
		SubpipelineMaxDepth:  5,
		CircuitBreaker: CircuitBreakerConfig{
			ObserveOnly:        false,
			FailureThreshold:   5,
			FailureWindowSecs:  60,
			OpenSeconds:        30,
			HalfOpenProbeCount: 3,
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5,
			IdleTimeoutSecs:   120,
			ShutdownTimeout:   15,
			MaxRequestBytes:   10 << 20,
		},
	}
}

// DefaultStageTimeout returns the default per-stage timeout as a
// time.Duration.
func (c *Config) DefaultStageTimeout() time.Duration {
	return time.Duration(c.DefaultStageTimeoutS) * time.Second
}

// Load reads the config file named by STAGEFLOW_CONFIG_PATH (or
// ./config/stageflow.yaml if that file exists and the env var is
// unset), layers environment-variable overrides on top, and validates
// the result. With no file found, Default() plus overrides is used; a
// file named by STAGEFLOW_CONFIG_PATH that cannot be read is an error.
func Load() (*Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("STAGEFLOW_CONFIG_PATH"))
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			candidate := filepath.Join(wd, "config", "stageflow.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		loaded := *cfg
		if err := yaml.Unmarshal(b, &loaded); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
		cfg = &loaded
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_ENV")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_BREAKER_OBSERVE_ONLY")); v != "" {
		cfg.CircuitBreaker.ObserveOnly = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_BREAKER_FAILURE_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.FailureThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_DEFAULT_STAGE_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultStageTimeoutS = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_POSTGRES_DSN")); v != "" {
		cfg.EventSinks.Postgres.Enabled = true
		cfg.EventSinks.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_SQLITE_PATH")); v != "" {
		cfg.EventSinks.SQLite.Enabled = true
		cfg.EventSinks.SQLite.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("STAGEFLOW_REDIS_ADDR")); v != "" {
		cfg.EventSinks.Redis.Enabled = true
		cfg.EventSinks.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_URI")); v != "" {
		cfg.EventSinks.Neo4j.Enabled = true
		cfg.EventSinks.Neo4j.URI = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_USER")); v != "" {
		cfg.EventSinks.Neo4j.User = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_PASSWORD")); v != "" {
		cfg.EventSinks.Neo4j.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_DATABASE")); v != "" {
		cfg.EventSinks.Neo4j.Database = v
	}
}

func validate(cfg *Config) error {
	if cfg.DefaultStageTimeoutS <= 0 {
		return fmt.Errorf("default_stage_timeout_seconds must be positive, got %d", cfg.DefaultStageTimeoutS)
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cfg.CircuitBreaker.FailureWindowSecs <= 0 {
		return fmt.Errorf("circuit_breaker.failure_window_seconds must be positive")
	}
	if cfg.CircuitBreaker.OpenSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.open_seconds must be positive")
	}
	if cfg.CircuitBreaker.HalfOpenProbeCount <= 0 {
		return fmt.Errorf("circuit_breaker.half_open_probe_count must be positive")
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.MaxRequestBytes <= 0 {
		cfg.HTTP.MaxRequestBytes = 10 << 20
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	default:
		return false
	}
}
