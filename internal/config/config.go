package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/statsync/internal/artifact"
	"github.com/livinlefevreloca/statsync/internal/db"
	"github.com/livinlefevreloca/statsync/internal/orchestrator"
	"github.com/livinlefevreloca/statsync/internal/provider"
)

// ErrInvalid marks configuration problems detected before any work starts.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	Database  db.Config           `toml:"database"`
	Provider  provider.Config     `toml:"provider"`
	Sync      orchestrator.Config `toml:"sync"`
	Artifacts artifact.Config     `toml:"artifacts"`
	Metrics   MetricsConfig       `toml:"metrics"`
	Logging   LoggingConfig       `toml:"logging"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig returns a Config with sensible defaults. The database DSN has
// no default and must come from the file or DB_URL.
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "pgx",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Provider:  provider.DefaultConfig(),
		Sync:      orchestrator.DefaultConfig(),
		Artifacts: artifact.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
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

// ApplyEnv overlays the batch environment variables onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DB_URL"); ok && v != "" {
		c.Database.DSN = v
		if isPostgresURL(v) && c.Database.Driver == "sqlite3" {
			c.Database.Driver = "pgx"
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup("EXT_API_INFO_KOSIS_SYS"); ok && v != "" {
		c.Provider.ExtSys = strings.ToUpper(v)
	}
	if v, ok := lookup("DATA_COLLECTION_SCOPE"); ok && v != "" {
		c.Sync.Scope = strings.ToUpper(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DB_BATCH_SIZE", &c.Sync.BatchSize},
		{"PARALLEL_WORKERS_FILE", &c.Sync.FetchWorkers},
		{"PARALLEL_WORKERS_DB", &c.Sync.LoadWorkers},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalid, e.key, v)
		}
		*e.dst = n
	}

	return nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Validate checks if the configuration is valid. Every returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	// Database validation
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	case "":
		return fmt.Errorf("database driver must be specified")
	default:
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3, postgres, or pgx)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified (set [database] dsn or DB_URL)")
	}

	// Provider validation
	if c.Provider.ExtSys == "" {
		return fmt.Errorf("provider ext_sys must be specified")
	}
	if c.Provider.RangeTooLargeCode == "" {
		return fmt.Errorf("provider range_too_large_code must be specified")
	}
	if c.Provider.RateLimit < 0 {
		return fmt.Errorf("provider rate_limit must not be negative")
	}
	if c.Provider.Timeout < 0 {
		return fmt.Errorf("provider timeout must not be negative")
	}

	// Sync validation
	if c.Sync.Mode != orchestrator.ModeFile && c.Sync.Mode != orchestrator.ModeDB {
		return fmt.Errorf("invalid sync mode: %s (must be file or db)", c.Sync.Mode)
	}
	if c.Sync.FetchWorkers <= 0 {
		return fmt.Errorf("sync fetch_workers must be positive")
	}
	if c.Sync.LoadWorkers <= 0 {
		return fmt.Errorf("sync load_workers must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}
	switch c.Sync.Scope {
	case orchestrator.ScopeAll:
	case orchestrator.ScopePart:
		if len(c.Sync.Targets) == 0 {
			return fmt.Errorf("sync scope PART requires at least one target")
		}
		for _, target := range c.Sync.Targets {
			if target.TableID == "" {
				return fmt.Errorf("sync target table_id must not be empty")
			}
		}
	default:
		return fmt.Errorf("invalid sync scope: %s (must be ALL or PART)", c.Sync.Scope)
	}

	// Artifact validation
	switch c.Artifacts.Backend {
	case artifact.BackendLocal:
		if c.Artifacts.Root == "" {
			return fmt.Errorf("artifacts root must be specified for the local backend")
		}
	case artifact.BackendMinio:
		if c.Artifacts.Endpoint == "" || c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts endpoint and bucket must be specified for the minio backend")
		}
	default:
		return fmt.Errorf("invalid artifacts backend: %s (must be local or minio)", c.Artifacts.Backend)
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
