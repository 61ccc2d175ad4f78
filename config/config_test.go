package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/counterstream/errors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
platform:
  generation: gen8
  sample_base: 100us
  settle: 1ms
stream:
  default_buffer_size: 131072
  poll_interval: 2ms
gateway:
  listen: ":9090"
nats:
  url: nats://localhost:4222
  subject: perf.records
  publish_retries: 3
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gen8", cfg.Platform.Generation)
	assert.Equal(t, 100*time.Microsecond, cfg.Platform.SampleBase)
	assert.Equal(t, time.Millisecond, cfg.Platform.Settle)
	assert.Equal(t, uint32(131072), cfg.Stream.DefaultBufferSize)
	assert.Equal(t, 2*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, ":9090", cfg.Gateway.Listen)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "perf.records", cfg.NATS.Subject)
	assert.Equal(t, 3, cfg.NATS.PublishRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeFile(t, "platform: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://override:4222")
	t.Setenv(EnvGatewayListen, ":7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, ":7070", cfg.Gateway.Listen)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown generation", func(c *Config) { c.Platform.Generation = "gen99" }},
		{"buffer size not power of two", func(c *Config) { c.Stream.DefaultBufferSize = 100000 }},
		{"negative poll interval", func(c *Config) { c.Stream.PollInterval = -time.Second }},
		{"empty gateway listen", func(c *Config) { c.Gateway.Listen = "" }},
		{"nats url without subject", func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.Subject = ""
		}},
		{"negative publish retries", func(c *Config) { c.NATS.PublishRetries = -1 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, cerrors.IsInvalid(err) || cerrors.IsFatal(err))
		})
	}
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	assert.Equal(t, "gen12", sc.Get().Platform.Generation)

	next := Default()
	next.Platform.Generation = "gen8"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "gen8", sc.Get().Platform.Generation)

	bad := Default()
	bad.Platform.Generation = "bogus"
	require.Error(t, sc.Update(bad))
	assert.Equal(t, "gen8", sc.Get().Platform.Generation)

	require.Error(t, sc.Update(nil))
}
