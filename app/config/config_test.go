package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDefaults(t *testing.T) {
	v := viper.New()
	applyDefaults(v)

	cfg, err := decode(v)
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Download.MaxConcurrent)
	assert.Equal(t, 64*1024, cfg.Download.ChunkSize)
	assert.Equal(t, "data/cache", cfg.Cache.Root)
	assert.Equal(t, 10*time.Minute, cfg.Cache.IndexTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.PartialMaxAge)
	assert.Equal(t, 320, cfg.Thumbnail.Width)
}

func TestDecodeYAML(t *testing.T) {
	v := viper.New()
	applyDefaults(v)
	v.SetConfigType("yaml")

	yaml := `
download:
  max_concurrent: 2
  timeout: 30s
cache:
  root: /tmp/wallfetch
  partial_max_age: 48h
`
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))

	cfg, err := decode(v)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Download.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Download.Timeout)
	assert.Equal(t, "/tmp/wallfetch", cfg.Cache.Root)
	assert.Equal(t, 48*time.Hour, cfg.Cache.PartialMaxAge)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty secret", func(c *Config) { c.JWT.Secret = "" }},
		{"zero concurrency", func(c *Config) { c.Download.MaxConcurrent = 0 }},
		{"zero chunk", func(c *Config) { c.Download.ChunkSize = 0 }},
		{"empty cache root", func(c *Config) { c.Cache.Root = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			applyDefaults(v)
			cfg, err := decode(v)
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}
