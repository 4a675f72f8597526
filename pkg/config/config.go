// Package config loads the service configuration from defaults, an optional
// YAML file and QCACHE_ prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tourbot/querycache/pkg/observability"
)

// Store backends accepted in cache.store
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Invalidation modes accepted in cache.invalidation_mode
const (
	InvalidationSync  = "sync"
	InvalidationQueue = "queue"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds configuration for the Redis cache store
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// CacheConfig holds query cache settings
type CacheConfig struct {
	Store            string        `mapstructure:"store"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	SpatialTTL       time.Duration `mapstructure:"spatial_ttl"`
	VectorTTL        time.Duration `mapstructure:"vector_ttl"`
	SearchTTL        time.Duration `mapstructure:"search_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MemoryMaxEntries int           `mapstructure:"memory_max_entries"`
	InvalidationMode string        `mapstructure:"invalidation_mode"`
	QueueSize        int           `mapstructure:"queue_size"`
	Tables           []string      `mapstructure:"tables"`
}

// PoolMonitorConfig holds connection pool monitor settings
type PoolMonitorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	Window          time.Duration `mapstructure:"window"`
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Lookback        time.Duration `mapstructure:"lookback"`
	ErrorThreshold  int64         `mapstructure:"error_threshold"`
}

// BreakerConfig holds circuit breaker settings for the backend
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// APIConfig defines the operational API server configuration
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`

	// AuthSecret enables HS256 bearer tokens on the mutating endpoints when set
	AuthSecret string          `mapstructure:"auth_secret"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig limits mutating API calls per client IP
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// MaxClients bounds the number of tracked client IPs
	MaxClients int `mapstructure:"max_clients"`
}

// Config holds the complete application configuration
type Config struct {
	Environment string                      `mapstructure:"environment"`
	Logging     observability.LoggingConfig `mapstructure:"logging"`
	Tracing     observability.TracingConfig `mapstructure:"tracing"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Redis       RedisConfig                 `mapstructure:"redis"`
	Cache       CacheConfig                 `mapstructure:"cache"`
	PoolMonitor PoolMonitorConfig           `mapstructure:"pool_monitor"`
	Breaker     BreakerConfig               `mapstructure:"breaker"`
	API         APIConfig                   `mapstructure:"api"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	configFile := os.Getenv("QCACHE_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	return LoadFile(configFile)
}

// LoadFile loads configuration from the given file path. A missing file is
// not an error; defaults and environment variables still apply.
func LoadFile(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configFile)
	v.SetEnvPrefix("QCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")

	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	processEnvExpansion(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Cache.Store {
	case StorePostgres, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("invalid cache.store %q: expected postgres, redis or memory", c.Cache.Store)
	}

	switch c.Cache.InvalidationMode {
	case InvalidationSync, InvalidationQueue:
	default:
		return fmt.Errorf("invalid cache.invalidation_mode %q: expected sync or queue", c.Cache.InvalidationMode)
	}

	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.Database.MaxOpenConns > 0 && c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) exceeds database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.PoolMonitor.RetentionDays <= 0 {
		return fmt.Errorf("pool_monitor.retention_days must be positive")
	}
	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// processEnvExpansion processes environment variable expansions in config values
// Supports ${VAR} and ${VAR:-default} syntax
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			if expanded := expandEnvVars(value); expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

// expandEnvVars expands environment variables in a string
func expandEnvVars(value string) string {
	result := value

	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		rel := strings.Index(result[start:], "}")
		if rel == -1 {
			break
		}
		end := start + rel

		varRef := result[start+2 : end]

		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" && defaultVal != "" {
			envVal = defaultVal
		}

		result = result[:start] + envVal + result[end+1:]
	}

	return result
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "querycache")
	v.SetDefault("tracing.endpoint", "localhost:4317")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "tourism")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", time.Minute)
	v.SetDefault("database.connect_timeout", 10*time.Second)
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.key_prefix", "qc")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 3)

	// Cache defaults
	v.SetDefault("cache.store", StorePostgres)
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.spatial_ttl", 30*time.Minute)
	v.SetDefault("cache.vector_ttl", time.Hour)
	v.SetDefault("cache.search_ttl", 15*time.Minute)
	v.SetDefault("cache.sweep_interval", time.Hour)
	v.SetDefault("cache.memory_max_entries", 10000)
	v.SetDefault("cache.invalidation_mode", InvalidationSync)
	v.SetDefault("cache.queue_size", 256)
	v.SetDefault("cache.tables", []string{"attractions", "restaurants", "hotels"})

	// Pool monitor defaults
	v.SetDefault("pool_monitor.enabled", true)
	v.SetDefault("pool_monitor.sample_interval", 30*time.Second)
	v.SetDefault("pool_monitor.window", time.Hour)
	v.SetDefault("pool_monitor.retention_days", 30)
	v.SetDefault("pool_monitor.cleanup_interval", 24*time.Hour)
	v.SetDefault("pool_monitor.lookback", 24*time.Hour)
	v.SetDefault("pool_monitor.error_threshold", 10)

	// Circuit breaker defaults
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_requests", 1)
	v.SetDefault("breaker.interval", time.Minute)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.failure_threshold", 5)

	// API defaults
	v.SetDefault("api.listen_address", ":8081")
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)
	v.SetDefault("api.idle_timeout", 60*time.Second)
	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.requests_per_second", 1.0)
	v.SetDefault("api.rate_limit.burst", 5)
	v.SetDefault("api.rate_limit.max_clients", 10000)
}
