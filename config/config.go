package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the coordinator
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Balance   BalanceConfig   `yaml:"balance"`
	Worker    WorkerConfig    `yaml:"worker"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration for the shadow cache
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// VenueLimit holds per-venue rate limit settings
type VenueLimit struct {
	PerSecond int                       `yaml:"per_second"`
	PerMinute int                       `yaml:"per_minute"`
	Burst     int                       `yaml:"burst"`
	Endpoints map[string]*EndpointLimit `yaml:"endpoints"`
}

// EndpointLimit holds endpoint-specific rate limit settings
type EndpointLimit struct {
	PerSecond     int `yaml:"per_second"`
	PerMinute     int `yaml:"per_minute"`
	Burst         int `yaml:"burst"`
	DefaultWeight int `yaml:"default_weight"`
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	Venues       map[string]*VenueLimit `yaml:"venues"`
	MirrorToKV   bool                   `yaml:"mirror_to_kv"`
	MirrorPerSec float64                `yaml:"mirror_per_sec"`
}

// DedupConfig holds signal deduplicator configuration
type DedupConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxLocalSize  int           `yaml:"max_local_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RetainFor     time.Duration `yaml:"retain_for"`
}

// BalanceConfig holds balance manager configuration
type BalanceConfig struct {
	FetchInterval   time.Duration `yaml:"fetch_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MinimumResidual string        `yaml:"minimum_residual"`
	MaxBalanceAge   time.Duration `yaml:"max_balance_age"`
}

// WorkerConfig holds worker coordinator configuration
type WorkerConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	CheckProcess     bool          `yaml:"check_process"`
}

// MonitorConfig holds process monitor configuration
type MonitorConfig struct {
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	AlertInterval      time.Duration `yaml:"alert_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	DiskPath           string        `yaml:"disk_path"`
	HistorySize        int           `yaml:"history_size"`
}

// APIConfig holds observability API server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		c.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DB_PORT"); dbPort != "" {
		fmt.Sscanf(dbPort, "%d", &c.Database.Port)
	}
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		c.Database.User = dbUser
	}
	if dbPass := os.Getenv("DB_PASSWORD"); dbPass != "" {
		c.Database.Password = dbPass
	}
	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		c.Database.Database = dbName
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		c.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		fmt.Sscanf(redisPort, "%d", &c.Redis.Port)
	}
	if redisPass := os.Getenv("REDIS_PASSWORD"); redisPass != "" {
		c.Redis.Password = redisPass
	}
}

// Validate validates the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required when redis is enabled")
		}
		if c.Redis.Port == 0 {
			return fmt.Errorf("redis port is required when redis is enabled")
		}
		if c.Redis.PoolSize <= 0 {
			c.Redis.PoolSize = 10
		}
		if c.Redis.DialTimeout <= 0 {
			c.Redis.DialTimeout = 5 * time.Second
		}
	}

	if c.RateLimit.MirrorPerSec <= 0 {
		c.RateLimit.MirrorPerSec = 100
	}

	if c.Dedup.TTL <= 0 {
		c.Dedup.TTL = 5 * time.Minute
	}
	if c.Dedup.MaxLocalSize <= 0 {
		c.Dedup.MaxLocalSize = 10000
	}
	if c.Dedup.SweepInterval <= 0 {
		c.Dedup.SweepInterval = time.Hour
	}
	if c.Dedup.RetainFor <= 0 {
		c.Dedup.RetainFor = 24 * time.Hour
	}

	if c.Balance.FetchInterval <= 0 {
		c.Balance.FetchInterval = 30 * time.Second
	}
	if c.Balance.SweepInterval <= 0 {
		c.Balance.SweepInterval = 60 * time.Second
	}
	if c.Balance.MinimumResidual == "" {
		c.Balance.MinimumResidual = "0.001"
	}

	if c.Worker.HeartbeatTimeout <= 0 {
		c.Worker.HeartbeatTimeout = 2 * time.Minute
	}
	if c.Worker.CleanupInterval <= 0 {
		c.Worker.CleanupInterval = 60 * time.Second
	}

	if c.Monitor.MonitoringInterval <= 0 {
		c.Monitor.MonitoringInterval = 30 * time.Second
	}
	if c.Monitor.AlertInterval <= 0 {
		c.Monitor.AlertInterval = 60 * time.Second
	}
	if c.Monitor.CleanupInterval <= 0 {
		c.Monitor.CleanupInterval = time.Hour
	}
	if c.Monitor.HeartbeatTimeout <= 0 {
		c.Monitor.HeartbeatTimeout = 2 * time.Minute
	}
	if c.Monitor.DiskPath == "" {
		c.Monitor.DiskPath = "/"
	}
	if c.Monitor.HistorySize <= 0 || c.Monitor.HistorySize > 1000 {
		c.Monitor.HistorySize = 1000
	}

	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("api port is required when the API server is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		return fmt.Errorf("metrics port is required when metrics are enabled")
	}

	return nil
}

// GetConnectionString returns the PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// GetRedisAddr returns the Redis connection address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
