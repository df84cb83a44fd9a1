// Package config loads runtime configuration for the worrybox process.
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables (a local .env file is honoured when present).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// Config is the root configuration tree.
type Config struct {
	Logging    logger.LoggingConfig `yaml:"logging"`
	Server     ServerConfig         `yaml:"server"`
	Database   DatabaseConfig       `yaml:"database"`
	Redis      RedisConfig          `yaml:"redis"`
	Platform   PlatformConfig       `yaml:"platform"`
	Startup    StartupConfig        `yaml:"startup"`
	Monitoring MonitoringConfig     `yaml:"monitoring"`
	Admission  AdmissionConfig      `yaml:"admission"`
}

// ServerConfig configures the operational HTTP endpoint.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig configures the postgres connection.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// RedisConfig configures the cache connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// PlatformConfig describes the process resource envelope.
type PlatformConfig struct {
	// MemoryBudgetMB is the soft memory ceiling used to derive pressure
	// fractions. Zero falls back to total system memory.
	MemoryBudgetMB int `yaml:"memory_budget_mb" env:"MEMORY_BUDGET_MB"`
}

// StartupConfig tunes the startup orchestrator.
type StartupConfig struct {
	// Concurrency is the chunk width for non-critical service initialization.
	Concurrency int `yaml:"concurrency" env:"STARTUP_CONCURRENCY"`

	// ValidateHealth runs the post-boot health validation pass.
	ValidateHealth bool `yaml:"validate_health" env:"STARTUP_VALIDATE_HEALTH"`

	// OptimizeResources runs the post-boot memory optimization pass.
	OptimizeResources bool `yaml:"optimize_resources" env:"STARTUP_OPTIMIZE_RESOURCES"`

	// MemoryPressureFraction triggers the optimization pass when exceeded.
	MemoryPressureFraction float64 `yaml:"memory_pressure_fraction" env:"STARTUP_MEMORY_PRESSURE_FRACTION"`
}

// MonitoringConfig tunes the metrics and alerting engine.
type MonitoringConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"MONITORING_SNAPSHOT_INTERVAL"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"MONITORING_SWEEP_INTERVAL"`
	HistoryLimit     int           `yaml:"history_limit" env:"MONITORING_HISTORY_LIMIT"`
}

// AdmissionConfig tunes the admission controller defaults.
type AdmissionConfig struct {
	QueueConcurrency int           `yaml:"queue_concurrency" env:"ADMISSION_QUEUE_CONCURRENCY"`
	DispatchDelay    time.Duration `yaml:"dispatch_delay" env:"ADMISSION_DISPATCH_DELAY"`
	FailureThreshold int           `yaml:"failure_threshold" env:"ADMISSION_FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"ADMISSION_RECOVERY_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8090},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Platform: PlatformConfig{MemoryBudgetMB: 512},
		Startup: StartupConfig{
			Concurrency:            3,
			ValidateHealth:         true,
			OptimizeResources:      true,
			MemoryPressureFraction: 0.75,
		},
		Monitoring: MonitoringConfig{
			SnapshotInterval: time.Minute,
			SweepInterval:    5 * time.Minute,
			HistoryLimit:     1000,
		},
		Admission: AdmissionConfig{
			QueueConcurrency: 6,
			DispatchDelay:    50 * time.Millisecond,
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
		},
	}
}

// Load reads configuration from the path in WORRYBOX_CONFIG (if any) and
// applies environment overrides.
func Load() (*Config, error) {
	return LoadFromPath(os.Getenv("WORRYBOX_CONFIG"))
}

// LoadFromPath loads configuration from a YAML file then the environment.
// An empty path skips the file; environment variables always win.
func LoadFromPath(path string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.clamp()
	return cfg, nil
}

// clamp restores sane values for fields an override pushed out of range.
func (c *Config) clamp() {
	if c.Startup.Concurrency <= 0 {
		c.Startup.Concurrency = 3
	}
	if c.Startup.MemoryPressureFraction <= 0 || c.Startup.MemoryPressureFraction > 1 {
		c.Startup.MemoryPressureFraction = 0.75
	}
	if c.Monitoring.SnapshotInterval <= 0 {
		c.Monitoring.SnapshotInterval = time.Minute
	}
	if c.Monitoring.SweepInterval <= 0 {
		c.Monitoring.SweepInterval = 5 * time.Minute
	}
	if c.Monitoring.HistoryLimit <= 0 {
		c.Monitoring.HistoryLimit = 1000
	}
	if c.Admission.QueueConcurrency <= 0 {
		c.Admission.QueueConcurrency = 6
	}
	if c.Admission.DispatchDelay < 0 {
		c.Admission.DispatchDelay = 50 * time.Millisecond
	}
	if c.Admission.FailureThreshold <= 0 {
		c.Admission.FailureThreshold = 5
	}
	if c.Admission.RecoveryTimeout <= 0 {
		c.Admission.RecoveryTimeout = time.Minute
	}
}
