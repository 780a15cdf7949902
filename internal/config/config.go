// Package config loads and validates the TACoreService configuration. There
// is no package-level singleton: Load returns a *Config that the bootstrap
// component threads explicitly into every other component's constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every enumerated configuration option of the service.
type Config struct {
	FrontendEndpoint string `yaml:"frontend_endpoint"`
	BackendEndpoint  string `yaml:"backend_endpoint"`
	HTTPEndpoint     string `yaml:"http_endpoint"`

	WorkerCount int `yaml:"worker_count"`

	RequestTimeout          time.Duration `yaml:"request_timeout"`
	WorkerHeartbeatInterval time.Duration `yaml:"worker_heartbeat_interval"`
	WorkerHeartbeatTimeout  time.Duration `yaml:"worker_heartbeat_timeout"`

	WorkerMaxRestartsPerMinute int `yaml:"worker_max_restarts_per_minute"`
	MaxRetries                 int `yaml:"max_retries"`
	QueueMultiplier            int `yaml:"queue_multiplier"`

	PersistencePath   string `yaml:"persistence_path"`
	MaxRecentRequests int    `yaml:"max_recent_requests"`

	LogLevel string `yaml:"log_level"`

	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	// LokiEndpoint, when set, enables shipping structured logs to Loki via
	// the lokirus hook. Empty means stderr-only logging.
	LokiEndpoint string `yaml:"loki_endpoint"`
}

// Default returns a Config populated with the service's defaults.
func Default() *Config {
	return &Config{
		FrontendEndpoint:           "tcp://*:5555",
		BackendEndpoint:            "tcp://*:5556",
		HTTPEndpoint:               ":8080",
		WorkerCount:                4,
		RequestTimeout:             10 * time.Second,
		WorkerHeartbeatInterval:    2500 * time.Millisecond,
		WorkerHeartbeatTimeout:     8 * time.Second,
		WorkerMaxRestartsPerMinute: 10,
		MaxRetries:                3,
		QueueMultiplier:            2,
		PersistencePath:            "tacore.db",
		MaxRecentRequests:          1000,
		LogLevel:                   "INFO",
		ShutdownGracePeriod:        5 * time.Second,
	}
}

// Load builds a Config from an optional YAML file and environment overrides.
// Environment variables win over file values; file values win over defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) error {
	if v := os.Getenv("FRONTEND_ENDPOINT"); v != "" {
		cfg.FrontendEndpoint = v
	}
	if v := os.Getenv("BACKEND_ENDPOINT"); v != "" {
		cfg.BackendEndpoint = v
	}
	if v := os.Getenv("HTTP_ENDPOINT"); v != "" {
		cfg.HTTPEndpoint = v
	}
	if v := os.Getenv("PERSISTENCE_PATH"); v != "" {
		cfg.PersistencePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOKI_ENDPOINT"); v != "" {
		cfg.LokiEndpoint = v
	}

	intFields := map[string]*int{
		"WORKER_COUNT":                    &cfg.WorkerCount,
		"WORKER_MAX_RESTARTS_PER_MINUTE":  &cfg.WorkerMaxRestartsPerMinute,
		"MAX_RETRIES":                     &cfg.MaxRetries,
		"QUEUE_MULTIPLIER":                &cfg.QueueMultiplier,
		"MAX_RECENT_REQUESTS":             &cfg.MaxRecentRequests,
	}
	for env, field := range intFields {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			*field = n
		}
	}

	durFields := map[string]*time.Duration{
		"REQUEST_TIMEOUT":            &cfg.RequestTimeout,
		"WORKER_HEARTBEAT_INTERVAL":  &cfg.WorkerHeartbeatInterval,
		"WORKER_HEARTBEAT_TIMEOUT":   &cfg.WorkerHeartbeatTimeout,
		"SHUTDOWN_GRACE_PERIOD":      &cfg.ShutdownGracePeriod,
	}
	for env, field := range durFields {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			*field = d
		}
	}

	return nil
}

// Validate checks the cross-field invariants the spec requires.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be >= 1, got %d", c.WorkerCount)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.WorkerHeartbeatInterval <= 0 {
		return fmt.Errorf("worker_heartbeat_interval must be positive")
	}
	if c.WorkerHeartbeatTimeout < 3*c.WorkerHeartbeatInterval {
		return fmt.Errorf("worker_heartbeat_timeout must be >= 3x worker_heartbeat_interval")
	}
	if c.WorkerMaxRestartsPerMinute < 1 {
		return fmt.Errorf("worker_max_restarts_per_minute must be >= 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1")
	}
	if c.QueueMultiplier < 1 {
		return fmt.Errorf("queue_multiplier must be >= 1")
	}
	if c.PersistencePath == "" {
		return fmt.Errorf("persistence_path must not be empty")
	}
	if c.MaxRecentRequests < 1 {
		return fmt.Errorf("max_recent_requests must be >= 1")
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("log_level must be one of DEBUG, INFO, WARN, ERROR, got %q", c.LogLevel)
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown_grace_period must be positive")
	}
	return nil
}

// QueueCapacity returns the bounded size of the broker's pending FIFO.
func (c *Config) QueueCapacity() int {
	return c.WorkerCount * c.QueueMultiplier
}
