package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/hrtrack/internal/history"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "day", cfg.History.Period)
	assert.Equal(t, 30, cfg.History.Retention)
	assert.Equal(t, 5*time.Minute, cfg.History.SaveInterval)
	assert.Equal(t, "2a37", cfg.Connection.RequiredCapability)
	assert.Equal(t, time.Duration(0), cfg.Connection.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Connection.ScanTimeout)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, history.Day, cfg.Period())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
data_dir: /var/lib/hrtrack
history:
  period: hour
  retention: 48
connection:
  connect_timeout: 15s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/hrtrack", cfg.DataDir)
	assert.Equal(t, history.Hour, cfg.Period())
	assert.Equal(t, 48, cfg.History.Retention)
	assert.Equal(t, 5*time.Minute, cfg.History.SaveInterval, "unset keys keep their defaults")
	assert.Equal(t, 15*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, "2a37", cfg.Connection.RequiredCapability)

	dir, err := cfg.ResolvedDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/hrtrack", dir)
}

func TestLoadRejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("history: [not, a, map"), 0o600))
	_, err := Load(broken)
	assert.ErrorContains(t, err, "failed to parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("history:\n  period: week\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "history.period")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

	t.Setenv("HRTRACK_LOG_LEVEL", "error")
	t.Setenv("HRTRACK_RETENTION", "7")
	t.Setenv("HRTRACK_SAVE_INTERVAL", "30s")
	t.Setenv("HRTRACK_PERIOD", "minute")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 7, cfg.History.Retention)
	assert.Equal(t, 30*time.Second, cfg.History.SaveInterval)
	assert.Equal(t, history.Minute, cfg.Period())
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "retention", env: map[string]string{"HRTRACK_RETENTION": "many"}},
		{name: "save interval", env: map[string]string{"HRTRACK_SAVE_INTERVAL": "soon"}},
		{name: "connect timeout", env: map[string]string{"HRTRACK_CONNECT_TIMEOUT": "1 minute"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.applyEnv(func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			})
			assert.Error(t, err)
		})
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		valid  bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}, valid: true},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
		{name: "unknown period", mutate: func(c *Config) { c.History.Period = "fortnight" }},
		{name: "zero retention", mutate: func(c *Config) { c.History.Retention = 0 }},
		{name: "zero save interval", mutate: func(c *Config) { c.History.SaveInterval = 0 }},
		{name: "negative connect timeout", mutate: func(c *Config) { c.Connection.ConnectTimeout = -time.Second }},
		{name: "blank capability", mutate: func(c *Config) { c.Connection.RequiredCapability = " " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "falls back to warn on garbage", logLevel: "chatty", want: logrus.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
