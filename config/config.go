// Package config holds the process-wide settings of the migration
// orchestrator, loaded from YAML and overridden from MIGRATE_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"unicode/utf8"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LedgerDatabase = "database"
	LedgerRedis    = "redis"
)

// CatalogConfig locates the deployed artifact migrations are discovered from.
type CatalogConfig struct {
	// Location is a directory of scripts or a manifest file. Empty means the
	// directory of the running executable.
	Location string `json:"location,omitempty" yaml:"location,omitempty" env:"MIGRATE_CATALOG_LOCATION"`
}

// DatabaseConfig is the database the schema executor changes.
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty" env:"MIGRATE_DATABASE_DRIVER"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty" env:"MIGRATE_DATABASE_DSN"`
}

// LedgerConfig is where applied-migration records are kept.
type LedgerConfig struct {
	Driver        string `json:"driver,omitempty" yaml:"driver,omitempty" env:"MIGRATE_LEDGER_DRIVER"`
	Table         string `json:"table,omitempty" yaml:"table,omitempty" env:"MIGRATE_LEDGER_TABLE"`
	RedisAddr     string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty" env:"MIGRATE_LEDGER_REDIS_ADDR"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty" env:"MIGRATE_LEDGER_REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDB,omitempty" yaml:"redisDB,omitempty" env:"MIGRATE_LEDGER_REDIS_DB"`
	RedisPrefix   string `json:"redisPrefix,omitempty" yaml:"redisPrefix,omitempty" env:"MIGRATE_LEDGER_REDIS_PREFIX"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" env:"MIGRATE_LOG_LEVEL"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" env:"MIGRATE_LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus collector.
type MetricsConfig struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty" env:"MIGRATE_METRICS_NAMESPACE"`
	// Textfile, when set, receives the metrics after each run in the
	// node-exporter textfile format.
	Textfile string `json:"textfile,omitempty" yaml:"textfile,omitempty" env:"MIGRATE_METRICS_TEXTFILE"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `json:"enabled,omitempty" yaml:"enabled,omitempty" env:"MIGRATE_TRACING_ENABLED"`
	Endpoint   string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty" env:"MIGRATE_TRACING_ENDPOINT"`
	Insecure   bool    `json:"insecure,omitempty" yaml:"insecure,omitempty" env:"MIGRATE_TRACING_INSECURE"`
	SampleRate float64 `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty" env:"MIGRATE_TRACING_SAMPLE_RATE"`
}

// Config is the orchestrator configuration.
type Config struct {
	SchemaUnit     string         `json:"schemaUnit,omitempty" yaml:"schemaUnit,omitempty" env:"MIGRATE_SCHEMA_UNIT"`
	ProductVersion string         `json:"productVersion,omitempty" yaml:"productVersion,omitempty" env:"MIGRATE_PRODUCT_VERSION"`
	Catalog        CatalogConfig  `json:"catalog" yaml:"catalog"`
	Database       DatabaseConfig `json:"database" yaml:"database"`
	Ledger         LedgerConfig   `json:"ledger" yaml:"ledger"`
	Log            LogConfig      `json:"log" yaml:"log"`
	Metrics        MetricsConfig  `json:"metrics" yaml:"metrics"`
	Tracing        TracingConfig  `json:"tracing" yaml:"tracing"`
}

// LoadFromFile loads a configuration from a YAML file. Defaults are not
// applied.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides fields from MIGRATE_* environment variables. Unset
// variables leave the current values alone.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.SchemaUnit == "" {
		c.SchemaUnit = "default"
	}
	if c.ProductVersion == "" {
		c.ProductVersion = DefaultProductVersion()
	}
	if c.Catalog.Location == "" {
		c.Catalog.Location = DefaultCatalogLocation()
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = "migrate.db"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerDatabase
	}
	if c.Ledger.Table == "" {
		c.Ledger.Table = migration.DefaultLedgerTable
	}
	if c.Ledger.RedisPrefix == "" {
		c.Ledger.RedisPrefix = "migrate:" + c.SchemaUnit + ":"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "migrate"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4318"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.SchemaUnit == "" {
		return fmt.Errorf("schemaUnit is required")
	}
	if utf8.RuneCountInString(c.ProductVersion) > migration.MaxProductVersionLength {
		return fmt.Errorf("productVersion %q exceeds %d characters", c.ProductVersion, migration.MaxProductVersionLength)
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Ledger.Driver {
	case LedgerDatabase:
	case LedgerRedis:
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("ledger.redisAddr is required for the redis ledger")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if err := migration.ValidateTableName(c.Ledger.Table); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sampleRate must be within [0, 1]")
	}
	return nil
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultCatalogLocation is the directory of the running executable, or the
// working directory when that cannot be determined.
func DefaultCatalogLocation() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// DefaultProductVersion is the main module version of the running binary,
// truncated to the ledger column width.
func DefaultProductVersion() string {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	if runes := []rune(version); len(runes) > migration.MaxProductVersionLength {
		version = string(runes[:migration.MaxProductVersionLength])
	}
	return version
}
