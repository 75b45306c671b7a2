package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "tradecore",
			Database: "tradecore",
		},
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"missing db port", func(c *Config) { c.Database.Port = 0 }},
		{"missing db user", func(c *Config) { c.Database.User = "" }},
		{"missing db name", func(c *Config) { c.Database.Database = "" }},
		{"redis enabled without host", func(c *Config) { c.Redis.Enabled = true; c.Redis.Port = 6379 }},
		{"redis enabled without port", func(c *Config) { c.Redis.Enabled = true; c.Redis.Host = "localhost" }},
		{"api enabled without port", func(c *Config) { c.API.Enabled = true }},
		{"metrics enabled without port", func(c *Config) { c.Metrics.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)

	assert.Equal(t, 5*time.Minute, cfg.Dedup.TTL)
	assert.Equal(t, 10000, cfg.Dedup.MaxLocalSize)
	assert.Equal(t, time.Hour, cfg.Dedup.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Dedup.RetainFor)

	assert.Equal(t, 30*time.Second, cfg.Balance.FetchInterval)
	assert.Equal(t, "0.001", cfg.Balance.MinimumResidual)

	assert.Equal(t, 2*time.Minute, cfg.Worker.HeartbeatTimeout)
	assert.Equal(t, 60*time.Second, cfg.Worker.CleanupInterval)

	assert.Equal(t, 30*time.Second, cfg.Monitor.MonitoringInterval)
	assert.Equal(t, 60*time.Second, cfg.Monitor.AlertInterval)
	assert.Equal(t, "/", cfg.Monitor.DiskPath)
	assert.Equal(t, 1000, cfg.Monitor.HistorySize)

	assert.Equal(t, float64(100), cfg.RateLimit.MirrorPerSec)
}

func TestValidateCapsHistorySize(t *testing.T) {
	cfg := validConfig()
	cfg.Monitor.HistorySize = 50000
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Monitor.HistorySize)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
database:
  host: db.internal
  port: 5432
  user: tradecore
  database: tradecore
redis:
  enabled: true
  host: cache.internal
  port: 6379
rate_limit:
  venues:
    binance:
      per_second: 10
      per_minute: 600
      endpoints:
        order:
          per_second: 2
          per_minute: 50
          default_weight: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.True(t, cfg.Redis.Enabled)
	require.Contains(t, cfg.RateLimit.Venues, "binance")
	assert.Equal(t, 10, cfg.RateLimit.Venues["binance"].PerSecond)
	require.Contains(t, cfg.RateLimit.Venues["binance"].Endpoints, "order")
	assert.Equal(t, 3, cfg.RateLimit.Venues["binance"].Endpoints["order"].DefaultWeight)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/no/such/file.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
database:
  host: original
  port: 5432
  user: tradecore
  database: tradecore
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	t.Setenv("DB_HOST", "overridden")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("REDIS_PASSWORD", "secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "overridden", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "secret", cfg.Redis.Password)
}

func TestConnectionStrings(t *testing.T) {
	db := DatabaseConfig{
		Host: "h", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable",
	}
	assert.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=disable",
		db.GetConnectionString())

	redis := RedisConfig{Host: "r", Port: 6379}
	assert.Equal(t, "r:6379", redis.GetRedisAddr())
}
