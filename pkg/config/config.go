package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/combined"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/manager"
	"github.com/srg/blegov/internal/rssi"
)

// AdapterConfig is the desired state every adapter governor starts with.
type AdapterConfig struct {
	PoweredControl            bool    `yaml:"powered_control" json:"powered_control" default:"true"`
	DiscoveringControl        bool    `yaml:"discovering_control" json:"discovering_control" default:"true"`
	SignalPropagationExponent float64 `yaml:"signal_propagation_exponent" json:"signal_propagation_exponent" default:"4.0"`
}

// DeviceConfig is the desired state every device governor starts with.
type DeviceConfig struct {
	OnlineTimeout     time.Duration `yaml:"online_timeout" json:"online_timeout" default:"20s"`
	RSSIReportingRate time.Duration `yaml:"rssi_reporting_rate" json:"rssi_reporting_rate" default:"1s"`
	RSSIFiltering     bool          `yaml:"rssi_filtering" json:"rssi_filtering" default:"true"`
	ProcessNoise      float64       `yaml:"process_noise" json:"process_noise" default:"0.125"`
	MeasurementNoise  float64       `yaml:"measurement_noise" json:"measurement_noise" default:"0.8"`

	// ConnectionStrategy is "nearest" or "preferred".
	ConnectionStrategy string `yaml:"connection_strategy" json:"connection_strategy" default:"nearest"`
	// PreferredAdapter is an adapter URL or bare address, used by the "preferred" strategy.
	PreferredAdapter string `yaml:"preferred_adapter" json:"preferred_adapter"`
}

// Config holds application configuration
type Config struct {
	LogLevel      string `yaml:"log_level" json:"log_level" default:"info"`
	LogFile       string `yaml:"log_file" json:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb" json:"log_max_size_mb" default:"10"`
	LogMaxBackups int    `yaml:"log_max_backups" json:"log_max_backups" default:"3"`

	UpdateInterval    time.Duration `yaml:"update_interval" json:"update_interval" default:"5s"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" json:"discovery_interval" default:"10s"`
	Workers           int           `yaml:"workers" json:"workers" default:"5"`
	// StartDiscovery makes the manager govern every discovered adapter on start.
	StartDiscovery bool `yaml:"start_discovery" json:"start_discovery" default:"true"`

	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`
	Device  DeviceConfig  `yaml:"device" json:"device"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive, got %s", c.UpdateInterval)
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("discovery_interval must be positive, got %s", c.DiscoveryInterval)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Adapter.SignalPropagationExponent <= 0 {
		return fmt.Errorf("adapter.signal_propagation_exponent must be positive, got %g", c.Adapter.SignalPropagationExponent)
	}
	if c.Device.OnlineTimeout <= 0 {
		return fmt.Errorf("device.online_timeout must be positive, got %s", c.Device.OnlineTimeout)
	}
	strategy, err := combined.ParseConnectionStrategy(c.Device.ConnectionStrategy)
	if err != nil {
		return fmt.Errorf("device.connection_strategy: %w", err)
	}
	preferred, err := c.preferredAdapter()
	if err != nil {
		return err
	}
	if strategy == combined.PreferredAdapter && preferred.IsZero() {
		return fmt.Errorf("device.preferred_adapter is required by the %q strategy", strategy)
	}
	return nil
}

func (c *Config) preferredAdapter() (address.URL, error) {
	if c.Device.PreferredAdapter == "" {
		return address.URL{}, nil
	}
	u, err := address.Parse(c.Device.PreferredAdapter)
	if err != nil {
		// a bare address
		u, err = address.Parse("/" + c.Device.PreferredAdapter)
	}
	if err != nil || u.Adapter == "" {
		return address.URL{}, fmt.Errorf("device.preferred_adapter: invalid adapter %q", c.Device.PreferredAdapter)
	}
	return u.AdapterURL(), nil
}

// GovernorDefaults converts the adapter and device sections.
func (c *Config) GovernorDefaults() governor.Defaults {
	return governor.Defaults{
		PoweredControl:            c.Adapter.PoweredControl,
		DiscoveringControl:        c.Adapter.DiscoveringControl,
		SignalPropagationExponent: c.Adapter.SignalPropagationExponent,
		OnlineTimeout:             c.Device.OnlineTimeout,
		RSSIReportingRate:         c.Device.RSSIReportingRate,
		RSSIFiltering:             c.Device.RSSIFiltering,
		RSSIFilter: rssi.KalmanConfig{
			ProcessNoise:     c.Device.ProcessNoise,
			MeasurementNoise: c.Device.MeasurementNoise,
		},
	}
}

// ManagerOptions converts the configuration for manager.New. Call Validate first;
// invalid strategy and adapter values are left for the manager to default.
func (c *Config) ManagerOptions() manager.Options {
	strategy, _ := combined.ParseConnectionStrategy(c.Device.ConnectionStrategy)
	preferred, _ := c.preferredAdapter()
	return manager.Options{
		Defaults:           c.GovernorDefaults(),
		UpdateInterval:     c.UpdateInterval,
		DiscoveryInterval:  c.DiscoveryInterval,
		Workers:            c.Workers,
		GovernAdapters:     c.StartDiscovery,
		ConnectionStrategy: strategy,
		PreferredAdapter:   preferred,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if c.LogFile != "" {
		logger.SetOutput(c.logWriter())
	}
	return logger
}

func (c *Config) logWriter() io.Writer {
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	}
}
