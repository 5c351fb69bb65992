package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/combined"
	"github.com/srg/blegov/internal/governor"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 10*time.Second, cfg.DiscoveryInterval)
	assert.Equal(t, 5, cfg.Workers)
	assert.True(t, cfg.StartDiscovery)
	assert.True(t, cfg.Adapter.PoweredControl)
	assert.True(t, cfg.Adapter.DiscoveringControl)
	assert.Equal(t, 4.0, cfg.Adapter.SignalPropagationExponent)
	assert.Equal(t, 20*time.Second, cfg.Device.OnlineTimeout)
	assert.Equal(t, time.Second, cfg.Device.RSSIReportingRate)
	assert.Equal(t, "nearest", cfg.Device.ConnectionStrategy)
	assert.Empty(t, cfg.Device.PreferredAdapter)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfig_MatchesGovernorDefaults(t *testing.T) {
	assert.Equal(t, governor.StandardDefaults(), DefaultConfig().GovernorDefaults(),
		"file defaults MUST match the governors' own defaults")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "falls back to info on unknown level", logLevel: "chatty", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_NewLoggerRotatesFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "blegov.log")
	cfg.LogMaxSizeMB = 1

	logger := cfg.NewLogger()
	out, ok := logger.Out.(*lumberjack.Logger)
	require.True(t, ok, "log file MUST be written through a rotating writer")
	assert.Equal(t, cfg.LogFile, out.Filename)
	assert.Equal(t, 1, out.MaxSize)
	assert.Equal(t, 3, out.MaxBackups)

	logger.Info("hello")
	require.NoError(t, out.Close())
	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blegov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
update_interval: 2s
workers: 3
adapter:
  signal_propagation_exponent: 2.5
device:
  online_timeout: 45s
  connection_strategy: preferred
  preferred_adapter: "sim:/00:1A:7D:DA:71:13"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 10*time.Second, cfg.DiscoveryInterval, "missing keys MUST keep defaults")
	assert.Equal(t, 3, cfg.Workers)
	assert.True(t, cfg.Adapter.PoweredControl)
	assert.Equal(t, 2.5, cfg.Adapter.SignalPropagationExponent)
	assert.Equal(t, 45*time.Second, cfg.Device.OnlineTimeout)

	opts := cfg.ManagerOptions()
	assert.Equal(t, combined.PreferredAdapter, opts.ConnectionStrategy)
	assert.Equal(t, address.MustParse("sim:/00:1A:7D:DA:71:13"), opts.PreferredAdapter)
	assert.Equal(t, 3, opts.Workers)
	assert.True(t, opts.GovernAdapters)
	assert.Equal(t, 2.5, opts.Defaults.SignalPropagationExponent)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [1, 2]\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("workers: 0\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "workers")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }, errMsg: "log_level"},
		{name: "zero update interval", mutate: func(c *Config) { c.UpdateInterval = 0 }, errMsg: "update_interval"},
		{name: "negative discovery interval", mutate: func(c *Config) { c.DiscoveryInterval = -time.Second }, errMsg: "discovery_interval"},
		{name: "zero propagation exponent", mutate: func(c *Config) { c.Adapter.SignalPropagationExponent = 0 }, errMsg: "signal_propagation_exponent"},
		{name: "zero online timeout", mutate: func(c *Config) { c.Device.OnlineTimeout = 0 }, errMsg: "online_timeout"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Device.ConnectionStrategy = "random" }, errMsg: "connection_strategy"},
		{name: "preferred without adapter", mutate: func(c *Config) { c.Device.ConnectionStrategy = "preferred" }, errMsg: "preferred_adapter"},
		{
			name: "preferred with bare address",
			mutate: func(c *Config) {
				c.Device.ConnectionStrategy = "preferred"
				c.Device.PreferredAdapter = "00:1A:7D:DA:71:13"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.errMsg)
			}
		})
	}
}

func TestConfig_PreferredAdapterBareAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.PreferredAdapter = "00:1a:7d:da:71:13"

	opts := cfg.ManagerOptions()
	assert.Equal(t, address.URL{Adapter: "00:1A:7D:DA:71:13"}, opts.PreferredAdapter)
	assert.Equal(t, combined.NearestAdapter, opts.ConnectionStrategy)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
