package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/logging"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
	"github.com/livinlefevreloca/worldsync/internal/sources"
)

// Environment variables that override file configuration
const (
	EnvDatabaseDSN   = "WORLDSYNC_DB_DSN"
	EnvHTTPPort      = "WORLDSYNC_HTTP_PORT"
	EnvLogLevel      = "WORLDSYNC_LOG_LEVEL"
	EnvSyncInterval  = "WORLDSYNC_SYNC_INTERVAL"
	EnvACLEDEmail    = "WORLDSYNC_ACLED_EMAIL"
	EnvACLEDPassword = "WORLDSYNC_ACLED_PASSWORD"
	EnvSIPRICSV      = "WORLDSYNC_SIPRI_CSV"
	EnvFile          = "WORLDSYNC_ENV_FILE"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config        `toml:"database"`
	Scheduler scheduler.Config `toml:"scheduler"`
	Sources   sources.Config   `toml:"sources"`
	HTTP      HTTPConfig       `toml:"http"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Logging   logging.Config   `toml:"logging"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Enabled         bool          `toml:"enabled"`
	Address         string        `toml:"address"`
	Port            int           `toml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:      "sqlite3",
			DSN:         "worldsync.db",
			BusyTimeout: 5 * time.Second,
			JournalMode: "WAL",
		},
		Scheduler: scheduler.DefaultConfig(),
		Sources:   sources.DefaultConfig(),
		HTTP: HTTPConfig{
			Enabled:         true,
			Address:         "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    9090,
		},
		Logging: logging.DefaultConfig(),
	}
}

// LoadEnvFiles loads WORLDSYNC_ENV_FILE if set, otherwise .env.local and
// .env from the working directory. Missing files are ignored.
func LoadEnvFiles() error {
	if envFile := os.Getenv(EnvFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	// godotenv never overrides variables that are already set, so the
	// first file loaded wins
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnv overlays environment overrides using lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHTTPPort, err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvSyncInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvSyncInterval, err)
		}
		c.Scheduler.Interval = d
	}
	if v, ok := lookup(EnvACLEDEmail); ok {
		c.Sources.ACLED.Email = v
	}
	if v, ok := lookup(EnvACLEDPassword); ok {
		c.Sources.ACLED.Password = v
	}
	if v, ok := lookup(EnvSIPRICSV); ok {
		c.Sources.SIPRI.CSVPath = v
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Sources.Validate(); err != nil {
		return err
	}

	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
		if c.HTTP.ShutdownTimeout <= 0 {
			return fmt.Errorf("HTTP shutdown_timeout must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
		if c.HTTP.Enabled && c.Metrics.Port == c.HTTP.Port && c.Metrics.Address == c.HTTP.Address {
			return fmt.Errorf("metrics and HTTP servers cannot share %s:%d", c.HTTP.Address, c.HTTP.Port)
		}
	}

	return c.Logging.Validate()
}

// HTTPAddr returns the API listen address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Address, c.HTTP.Port)
}

// MetricsAddr returns the metrics listen address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Address, c.Metrics.Port)
}
