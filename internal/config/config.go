// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Overdue       OverdueConfig       `yaml:"overdue"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. Tokens are issued
// elsewhere; the service only verifies them.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// SeedTemplates publishes file templates into the store at start.
	SeedTemplates bool `yaml:"seed_templates"`
}

// CapabilityConfig describes how roles map to capabilities.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotificationsConfig describes where transition events are published.
type NotificationsConfig struct {
	Driver         string               `yaml:"driver"`
	AddrEnv        string               `yaml:"addr_env"`
	Channel        string               `yaml:"channel"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for the publisher.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// OverdueConfig describes the overdue step scanner.
type OverdueConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	After    time.Duration `yaml:"after"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
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

// Store and publisher drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverLog      = "log"
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories:   []string{"/definitions"},
			SeedTemplates: true,
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "SIGNOFF_DATABASE_URL",
			SQLitePath:      "signoff.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				AddrEnv:    "SIGNOFF_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notifications: NotificationsConfig{
			Driver:  DriverLog,
			AddrEnv: "SIGNOFF_REDIS_ADDR",
			Channel: "signoff.events",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    time.Minute,
			},
		},
		Overdue: OverdueConfig{
			Schedule: "@every 15m",
			After:    7 * 24 * time.Hour,
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
// and validates the result.
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

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, errors.New("identity.issuer is required"))
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, errors.New("identity.jwks_url is required"))
	}
	if c.Identity.Audience == "" {
		errs = append(errs, errors.New("identity.audience is required"))
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, errors.New("definitions.directories must name at least one directory"))
	}

	if !slices.Contains([]string{DriverMemory, DriverPostgres, DriverSQLite}, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver %q must be one of memory, postgres, sqlite", c.Store.Driver))
	}
	if c.Store.Driver == DriverPostgres && c.Store.DSNEnv == "" {
		errs = append(errs, errors.New("store.dsn_env is required for the postgres driver"))
	}
	if c.Store.Driver == DriverSQLite && c.Store.SQLitePath == "" {
		errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
	}

	if c.Idempotency.Enabled && !slices.Contains([]string{DriverMemory, DriverRedis}, c.Idempotency.Store.Driver) {
		errs = append(errs, fmt.Errorf("idempotency.store.driver %q must be one of memory, redis", c.Idempotency.Store.Driver))
	}
	if !slices.Contains([]string{DriverLog, DriverRedis}, c.Notifications.Driver) {
		errs = append(errs, fmt.Errorf("notifications.driver %q must be one of log, redis", c.Notifications.Driver))
	}
	if c.Notifications.Driver == DriverRedis && c.Notifications.Channel == "" {
		errs = append(errs, errors.New("notifications.channel is required for the redis driver"))
	}

	if c.Overdue.Enabled {
		if c.Overdue.Schedule == "" {
			errs = append(errs, errors.New("overdue.schedule is required when the scanner is enabled"))
		}
		if c.Overdue.After <= 0 {
			errs = append(errs, errors.New("overdue.after must be positive"))
		}
	}

	return errors.Join(errs...)
}

// applyEnvOverrides reads SIGNOFF_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNOFF_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SIGNOFF_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SIGNOFF_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SIGNOFF_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SIGNOFF_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SIGNOFF_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("SIGNOFF_OVERDUE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Overdue.Enabled = b
		}
	}
	if v := os.Getenv("SIGNOFF_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
