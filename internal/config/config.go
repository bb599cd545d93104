// Package config loads the permit engine's process configuration from a
// YAML file, applies defaults, allows a narrow set of environment-variable
// overrides, and validates the result before the rest of the process wires
// up against it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig describes the permits/ledger Postgres connection.
type DatabaseConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	Database               string `yaml:"database"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	SSLMode                string `yaml:"ssl_mode"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// DSN returns the keyword/value pgx connection string for d.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.Username, d.Password, d.SSLMode)
}

// ClientsDatabaseConfig describes the separate client-profile snapshot store.
type ClientsDatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN returns the keyword/value pgx connection string for c.
func (c ClientsDatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode)
}

// IndexConfig describes the on-disk semantic index artifacts.
type IndexConfig struct {
	RAGIndexDir string `yaml:"rag_index_dir"`
	BatchSize   int    `yaml:"batch_size"`
	Dimension   int    `yaml:"dimension"`
}

// SourceConfig names one scrape source and the lookback window it is
// queried with. A non-empty Endpoint declares a Socrata-style source
// built entirely from configuration; sources without one must be
// registered in code.
type SourceConfig struct {
	Name           string `yaml:"name"`
	WindowDays     int    `yaml:"window_days"`
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// OrchestratorConfig controls the periodic cycle: how often it runs and the
// default retrieval/ranking sizes applied to every client's match.
type OrchestratorConfig struct {
	CycleInterval        time.Duration  `yaml:"cycle_interval"`
	PerClientTopKDefault  int            `yaml:"per_client_top_k_default"`
	OversampleDefault     int            `yaml:"oversample_default"`
	ScrapeSources         []SourceConfig `yaml:"scrape_sources"`
}

// RedisConfig describes the distributed cycle-lock backing store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig controls the process-wide log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root of the engine's configuration tree.
type Config struct {
	Database        DatabaseConfig        `yaml:"database"`
	ClientsDatabase ClientsDatabaseConfig `yaml:"clients_database"`
	Index           IndexConfig           `yaml:"index"`
	Orchestrator    OrchestratorConfig    `yaml:"orchestrator"`
	Redis           RedisConfig           `yaml:"redis"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// Load reads the YAML file at path, applies defaults, overlays environment
// overrides, validates the result, and returns the populated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.ClientsDatabase.SSLMode == "" {
		cfg.ClientsDatabase.SSLMode = "disable"
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 64
	}
	if cfg.Index.Dimension == 0 {
		cfg.Index.Dimension = 384
	}
	if cfg.Orchestrator.CycleInterval == 0 {
		cfg.Orchestrator.CycleInterval = 4 * time.Hour
	}
	if cfg.Orchestrator.PerClientTopKDefault == 0 {
		cfg.Orchestrator.PerClientTopKDefault = 20
	}
	if cfg.Orchestrator.OversampleDefault == 0 {
		cfg.Orchestrator.OversampleDefault = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// loadFromEnv overlays a narrow set of environment variables onto cfg,
// for the handful of settings operators commonly override per deployment
// without editing the checked-in YAML.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_PORT: %w", err)
		}
		cfg.Database.Port = port
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RAG_INDEX_DIR"); v != "" {
		cfg.Index.RAGIndexDir = v
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if cfg.ClientsDatabase.Host == "" {
		return fmt.Errorf("clients database host is required")
	}
	if cfg.Index.RAGIndexDir == "" {
		return fmt.Errorf("index rag_index_dir is required")
	}
	if cfg.Orchestrator.PerClientTopKDefault <= 0 {
		return fmt.Errorf("orchestrator per_client_top_k_default must be greater than 0")
	}
	if cfg.Orchestrator.OversampleDefault <= 0 {
		return fmt.Errorf("orchestrator oversample_default must be greater than 0")
	}
	if len(cfg.Orchestrator.ScrapeSources) == 0 {
		return fmt.Errorf("at least one scrape source is required")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging level: %s", cfg.Logging.Level)
	}
	return nil
}
