package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Recording.MaxDuration.Std())
	assert.Equal(t, 45*time.Second, cfg.Recording.ChunkDuration.Std())
	assert.Equal(t, time.Minute, cfg.Recording.WarningLead.Std())
	assert.Equal(t, 2, cfg.Upload.Concurrency)
	assert.Equal(t, 3, cfg.Upload.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Upload.Timeout.Std())
	assert.Equal(t, int64(200*1024*1024), cfg.Collector.WarnBytes)
	assert.Equal(t, int64(400*1024*1024), cfg.Collector.CriticalBytes)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Address())
	assert.Equal(t, "0.0.0.0:50054", cfg.GRPC.Address())
	assert.Equal(t, 48000, cfg.Recording.Constraints.SampleRate)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "recording.yaml", `
http:
  port: 9090
  allowed_origins: ["https://app.example.com"]
storage:
  driver: memory
  bucket: test-bucket
recording:
  chunk_duration: 30s
  max_duration: 10m
  kind: video
  progressive: true
upload:
  concurrency: 4
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Recording.ChunkDuration.Std())
	assert.Equal(t, 10*time.Minute, cfg.Recording.MaxDuration.Std())
	assert.Equal(t, "video", cfg.Recording.Kind)
	assert.True(t, cfg.Recording.Progressive)
	assert.Equal(t, 4, cfg.Upload.Concurrency)
	assert.Equal(t, 3, cfg.Upload.MaxRetries, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "recording.toml", `
[storage]
driver = "s3"
bucket = "stories"

[sessions]
backend = "redis"
redis_addr = "localhost:6379"

[recording]
chunk_duration = "20s"
layout = "legacy"

[ledger]
driver = "sqlite"
path = "/tmp/ledger.db"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Storage.Driver)
	assert.Equal(t, "stories", cfg.Storage.Bucket)
	assert.Equal(t, "redis", cfg.Sessions.Backend)
	assert.Equal(t, 20*time.Second, cfg.Recording.ChunkDuration.Std())
	assert.Equal(t, "legacy", cfg.Recording.Layout)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RECORDING_HTTP_PORT", "7070")
	t.Setenv("RECORDING_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RECORDING_CHUNK_DURATION", "15s")
	t.Setenv("RECORDING_PROGRESSIVE", "true")
	t.Setenv("RECORDING_LOG_LEVEL", "warn")
	t.Setenv("RECORDING_COLLECTOR_WARN_BYTES", "1024")
	t.Setenv("RECORDING_COLLECTOR_CRITICAL_BYTES", "2048")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Recording.ChunkDuration.Std())
	assert.True(t, cfg.Recording.Progressive)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, int64(1024), cfg.Collector.WarnBytes)
}

func TestLoad_BadEnvOverride(t *testing.T) {
	t.Setenv("RECORDING_HTTP_PORT", "eighty")
	_, err := Load("")
	assert.ErrorContains(t, err, "RECORDING_HTTP_PORT")
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, "recording.ini", "port=1")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero http port", func(c *Config) { c.HTTP.Port = 0 }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "ftp" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"zero concurrency", func(c *Config) { c.Upload.Concurrency = 0 }},
		{"critical below warning", func(c *Config) { c.Collector.CriticalBytes = c.Collector.WarnBytes }},
		{"max shorter than chunk", func(c *Config) { c.Recording.MaxDuration = Duration(time.Second) }},
		{"redis without address", func(c *Config) {
			c.Sessions.Backend = "redis"
			c.Sessions.RedisAddr = ""
		}},
		{"sqlite ledger without path", func(c *Config) { c.Ledger.Driver = "sqlite" }},
		{"unknown recording kind", func(c *Config) { c.Recording.Kind = "hologram" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.setDefaults()
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
