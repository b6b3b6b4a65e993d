// Package config loads the caserunner service configuration from a YAML
// file, applying defaults for anything unset.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultBind         = "127.0.0.1:8099"
	DefaultDatabasePath = "caserunner.db"
	DefaultLogDir       = "logs"
	DefaultLogLevel     = "info"
	DefaultStepDelay    = 750 * time.Millisecond
	DefaultFetchTimeout = 10 * time.Second
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Execution ExecutionConfig `yaml:"execution"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ExecutionConfig configures the execution engine and the reference step
// strategy.
type ExecutionConfig struct {
	StepDelay        time.Duration `yaml:"step_delay"`
	FetchPageContent bool          `yaml:"fetch_page_content"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	// InterventionStep/InterventionRate configure the strategy's optional
	// escalation seam; step -1 disables it.
	InterventionStep int     `yaml:"intervention_step"`
	InterventionRate float64 `yaml:"intervention_rate"`
}

// LoggingConfig configures the structured jsonl logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Bind: DefaultBind},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Execution: ExecutionConfig{
			StepDelay:        DefaultStepDelay,
			FetchPageContent: true,
			FetchTimeout:     DefaultFetchTimeout,
			InterventionStep: -1,
			InterventionRate: 0,
		},
		Logging: LoggingConfig{Dir: DefaultLogDir, Level: DefaultLogLevel},
	}
}

// Load reads the config file at path over the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid server bind %q: %w", c.Server.Bind, err)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path required")
	}
	if c.Execution.InterventionRate < 0 || c.Execution.InterventionRate > 1 {
		return fmt.Errorf("intervention_rate must be within [0, 1], got %v", c.Execution.InterventionRate)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
