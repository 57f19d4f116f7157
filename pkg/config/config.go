// Package config loads hrtrack settings from defaults, an optional YAML file
// and HRTRACK_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/hrtrack/internal/history"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HRTRACK_"

// HistoryConfig controls bucket granularity and persistence.
type HistoryConfig struct {
	Period       string        `yaml:"period" default:"day"`
	Retention    int           `yaml:"retention" default:"30"`
	SaveInterval time.Duration `yaml:"save_interval" default:"5m"`
}

// ConnectionConfig controls the peripheral connection.
type ConnectionConfig struct {
	RequiredCapability string `yaml:"required_capability" default:"2a37"`
	// ConnectTimeout of zero waits for the link indefinitely.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
}

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"warn"`
	// DataDir holds history records and the remembered device.
	// Empty selects <user config dir>/hrtrack.
	DataDir    string           `yaml:"data_dir"`
	History    HistoryConfig    `yaml:"history"`
	Connection ConnectionConfig `yaml:"connection"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultPath returns <user config dir>/hrtrack/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "hrtrack", "config.yaml")
}

// Load reads path over the defaults, applies environment overrides and validates
// the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			// fields the file left empty get their defaults back
			defaults.SetDefaults(cfg)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("DATA_DIR", &c.DataDir)
	str("PERIOD", &c.History.Period)
	str("REQUIRED_CAPABILITY", &c.Connection.RequiredCapability)

	if v, ok := lookup(EnvPrefix + "RETENTION"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRETENTION: %w", EnvPrefix, err)
		}
		c.History.Retention = n
	}
	if err := dur("SAVE_INTERVAL", &c.History.SaveInterval); err != nil {
		return err
	}
	if err := dur("CONNECT_TIMEOUT", &c.Connection.ConnectTimeout); err != nil {
		return err
	}
	return dur("SCAN_TIMEOUT", &c.Connection.ScanTimeout)
}

// Validate rejects settings the monitor cannot run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if _, err := history.ParsePeriod(c.History.Period); err != nil {
		return fmt.Errorf("invalid history.period: %w", err)
	}
	if c.History.Retention < 1 {
		return fmt.Errorf("invalid history.retention %d: must be at least 1", c.History.Retention)
	}
	if c.History.SaveInterval <= 0 {
		return fmt.Errorf("invalid history.save_interval %s: must be positive", c.History.SaveInterval)
	}
	if c.Connection.ConnectTimeout < 0 {
		return fmt.Errorf("invalid connection.connect_timeout %s: must not be negative", c.Connection.ConnectTimeout)
	}
	if strings.TrimSpace(c.Connection.RequiredCapability) == "" {
		return errors.New("connection.required_capability must not be empty")
	}
	return nil
}

// Period returns the parsed history period. Call after Validate.
func (c *Config) Period() history.Period {
	p, _ := history.ParsePeriod(c.History.Period)
	return p
}

// ResolvedDataDir returns DataDir or its default.
func (c *Config) ResolvedDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine data directory: %w", err)
	}
	return filepath.Join(dir, "hrtrack"), nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
