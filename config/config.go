// Package config loads and validates the daemon configuration from a YAML
// file, with environment overrides for deployment-specific addresses.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/counterstream/errors"
)

// Environment override variables.
const (
	EnvNATSURL       = "NATS_URL"
	EnvGatewayListen = "GATEWAY_LISTEN"
)

// Config is the complete daemon configuration.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Stream   StreamConfig   `yaml:"stream"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	NATS     NATSConfig     `yaml:"nats"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PlatformConfig selects the hardware generation and simulated-device
// behavior.
type PlatformConfig struct {
	// Generation is "gen8" or "gen12".
	Generation string `yaml:"generation"`

	// SampleBase is the simulated device's base sampling period; zero
	// disables autonomous production.
	SampleBase time.Duration `yaml:"sample_base"`

	// Settle is the loader's wait-program delay; zero selects the
	// default.
	Settle time.Duration `yaml:"settle"`
}

// StreamConfig carries stream defaults.
type StreamConfig struct {
	// DefaultBufferSize is the ring size used when an open request leaves
	// it unset. Must be a power of two, or zero for the built-in default.
	DefaultBufferSize uint32 `yaml:"default_buffer_size"`

	// PollInterval is the poll/wake timer period; zero for the default.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// GatewayConfig configures the HTTP control surface.
type GatewayConfig struct {
	Listen string `yaml:"listen"`

	// ReadTimeout and WriteTimeout bound request handling; zero selects
	// the defaults.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NATSConfig configures the record exporter. An empty URL disables export.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`

	// PublishRetries bounds retry attempts for a transient publish
	// failure.
	PublishRetries int `yaml:"publish_retries"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{Generation: "gen12"},
		Gateway:  GatewayConfig{Listen: ":8080"},
		NATS:     NATSConfig{Subject: "counterstream.records"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, applies environment overrides and validates. An empty
// path yields the defaults (still subject to overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvGatewayListen); v != "" {
		c.Gateway.Listen = v
	}
}

// Validate checks the configuration for values that cannot work, leaving
// range clamping of per-stream parameters to the stream layer.
func (c *Config) Validate() error {
	switch c.Platform.Generation {
	case "gen8", "gen12":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown generation %q", errors.ErrInvalidConfig, c.Platform.Generation),
			"config", "Validate", "platform validation")
	}

	if s := c.Stream.DefaultBufferSize; s != 0 && s&(s-1) != 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: default buffer size %d not a power of two", errors.ErrInvalidConfig, s),
			"config", "Validate", "stream validation")
	}
	if c.Stream.PollInterval < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative poll interval", errors.ErrInvalidConfig),
			"config", "Validate", "stream validation")
	}

	if c.Gateway.Listen == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: gateway listen address", errors.ErrMissingConfig),
			"config", "Validate", "gateway validation")
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats subject required when url is set", errors.ErrMissingConfig),
			"config", "Validate", "nats validation")
	}
	if c.NATS.PublishRetries < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative publish retries", errors.ErrInvalidConfig),
			"config", "Validate", "nats validation")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.Logging.Level),
			"config", "Validate", "logging validation")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log format %q", errors.ErrInvalidConfig, c.Logging.Format),
			"config", "Validate", "logging validation")
	}

	return nil
}

// SafeConfig provides thread-safe access to a configuration that may be
// replaced at runtime.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps cfg; nil starts from the defaults.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (sc *SafeConfig) Get() Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return *sc.cfg
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nil config", errors.ErrInvalidConfig),
			"config", "Update", "config replacement")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	return nil
}
