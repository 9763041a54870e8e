// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Tenants       []TenantConfig      `yaml:"tenants"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operational HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TenantConfig describes one tenant: where its definitions live and,
// optionally, its own persistence. Tenants never share definition sets or
// stores.
type TenantConfig struct {
	ID          string      `yaml:"id"`
	Directories []string    `yaml:"directories"`
	Store       StoreConfig `yaml:"store"`
}

// StoreConfig describes instance and delivery persistence for a tenant.
// Driver is "memory" or "postgres"; the DSN is read from the environment
// variable named by dsn_env so credentials stay out of config files.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebhookConfig describes webhook dispatch and retry settings.
type WebhookConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// ScannerConfig describes the periodic timeout and retry scanner.
type ScannerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Tenants: []TenantConfig{
			{
				ID:          "default",
				Directories: []string{"/definitions"},
				Store:       StoreConfig{Driver: "memory"},
			},
		},
		Workflow: WorkflowConfig{
			Enabled: true,
		},
		Webhook: WebhookConfig{
			Timeout:     10 * time.Second,
			MaxAttempts: 5,
			BaseBackoff: 30 * time.Second,
		},
		Scanner: ScannerConfig{
			Interval: 60 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Tenants) == 0 {
		errs = append(errs, "at least one tenant is required")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].id is required", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("tenants[%d].id %q is duplicated", i, t.ID))
		}
		seen[t.ID] = true
		if len(t.Directories) == 0 {
			errs = append(errs, fmt.Sprintf("tenants[%d].directories is required", i))
		}
		switch t.Store.Driver {
		case "", "memory":
		case "postgres":
			if t.Store.DSNEnv == "" {
				errs = append(errs, fmt.Sprintf("tenants[%d].store.dsn_env is required for the postgres driver", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("tenants[%d].store.driver %q is not supported (memory, postgres)", i, t.Store.Driver))
		}
	}
	if c.Scanner.Interval <= 0 {
		errs = append(errs, "scanner.interval must be positive")
	}
	if c.Webhook.MaxAttempts < 1 {
		errs = append(errs, "webhook.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STATERA_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATERA_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STATERA_SCANNER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scanner.Interval = d
		}
	}
	if v := os.Getenv("STATERA_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("STATERA_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = v == "true" || v == "1"
	}
}
