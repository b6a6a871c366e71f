// Package config provides configuration management for the sync service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Poller    PollerConfig
	Backfill  BackfillConfig
	Scheduler SchedulerConfig
	Meta      MetaConfig
	Shopify   ShopifyConfig
	Storage   StorageConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	RequestsPerSec  float64
	Burst           int
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// DSN returns a postgres connection URL
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// RateLimitConfig holds the per-tenant outbound guard settings
type RateLimitConfig struct {
	Backend         string // memory or redis
	MaxRequests     int
	Window          time.Duration
	MinInterval     time.Duration
	DefaultCooldown time.Duration
	BypassMaxWait   time.Duration
	PaceMaxWait     time.Duration
	AdvisoryChannel string
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Backend        string // postgres or memory
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StallTimeout   time.Duration
	MaxStalled     int
	MaxDeferrals   int
}

// WorkerConfig holds worker pool settings
type WorkerConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	ReclaimInterval   time.Duration
	RecentDays        int
}

// PollerConfig holds bulk-operation poller settings
type PollerConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Growth       float64
	MaxAttempts  int
}

// BackfillConfig holds gap detection and backfill settings
type BackfillConfig struct {
	LookbackDays    int
	Threshold       int
	CriticalGapDays int
	MinRowsPerDay   int
	ChunkDays       int
	InterChunkDelay time.Duration
	ReconnectLock   time.Duration
}

// SchedulerConfig holds the daily trigger settings
type SchedulerConfig struct {
	Enabled        bool
	DailyHour      int
	AuditInterval  time.Duration
	AuditLookback  int
	TenantPageSize int
}

// MetaConfig holds the ads platform client settings
type MetaConfig struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

// ShopifyConfig holds the commerce platform client settings
type ShopifyConfig struct {
	APIVersion string
	Timeout    time.Duration
	PageSize   int
}

// StorageConfig selects where fact rows are written
type StorageConfig struct {
	FactBackend string // postgres or clickhouse
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSec:  getEnvAsFloat("SERVER_RATE_LIMIT_RPS", 20),
			Burst:           getEnvAsInt("SERVER_RATE_LIMIT_BURST", 40),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "brez_sync"),
				User:           getEnv("POSTGRES_USER", "sync"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "brez_sync"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		RateLimit: RateLimitConfig{
			Backend:         getEnv("RATE_LIMIT_BACKEND", "redis"),
			MaxRequests:     getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 30),
			Window:          getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			MinInterval:     getEnvAsDuration("RATE_LIMIT_MIN_INTERVAL", 2*time.Second),
			DefaultCooldown: getEnvAsDuration("RATE_LIMIT_DEFAULT_COOLDOWN", 300*time.Second),
			BypassMaxWait:   getEnvAsDuration("RATE_LIMIT_BYPASS_MAX_WAIT", 10*time.Second),
			PaceMaxWait:     getEnvAsDuration("RATE_LIMIT_PACE_MAX_WAIT", 5*time.Second),
			AdvisoryChannel: getEnv("RATE_LIMIT_ADVISORY_CHANNEL", "sync:advisories"),
		},
		Queue: QueueConfig{
			Backend:        getEnv("QUEUE_BACKEND", "postgres"),
			MaxAttempts:    getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffInitial: getEnvAsDuration("QUEUE_BACKOFF_INITIAL", 5*time.Second),
			BackoffMax:     getEnvAsDuration("QUEUE_BACKOFF_MAX", 5*time.Minute),
			StallTimeout:   getEnvAsDuration("QUEUE_STALL_TIMEOUT", 2*time.Minute),
			MaxStalled:     getEnvAsInt("QUEUE_MAX_STALLED", 2),
			MaxDeferrals:   getEnvAsInt("QUEUE_MAX_DEFERRALS", 12),
		},
		Worker: WorkerConfig{
			Concurrency:       getEnvAsInt("WORKER_CONCURRENCY", 4),
			PollInterval:      getEnvAsDuration("WORKER_POLL_INTERVAL", time.Second),
			JobTimeout:        getEnvAsDuration("WORKER_JOB_TIMEOUT", 30*time.Minute),
			HeartbeatInterval: getEnvAsDuration("WORKER_HEARTBEAT_INTERVAL", 15*time.Second),
			ReclaimInterval:   getEnvAsDuration("WORKER_RECLAIM_INTERVAL", 30*time.Second),
			RecentDays:        getEnvAsInt("WORKER_RECENT_DAYS", 3),
		},
		Poller: PollerConfig{
			InitialDelay: getEnvAsDuration("POLLER_INITIAL_DELAY", 30*time.Second),
			MaxDelay:     getEnvAsDuration("POLLER_MAX_DELAY", 2*time.Minute),
			Growth:       getEnvAsFloat("POLLER_GROWTH", 1.5),
			MaxAttempts:  getEnvAsInt("POLLER_MAX_ATTEMPTS", 20),
		},
		Backfill: BackfillConfig{
			LookbackDays:    getEnvAsInt("BACKFILL_LOOKBACK_DAYS", 30),
			Threshold:       getEnvAsInt("BACKFILL_THRESHOLD", 3),
			CriticalGapDays: getEnvAsInt("BACKFILL_CRITICAL_GAP_DAYS", 2),
			MinRowsPerDay:   getEnvAsInt("BACKFILL_MIN_ROWS_PER_DAY", 1),
			ChunkDays:       getEnvAsInt("BACKFILL_CHUNK_DAYS", 7),
			InterChunkDelay: getEnvAsDuration("BACKFILL_INTER_CHUNK_DELAY", 5*time.Second),
			ReconnectLock:   getEnvAsDuration("BACKFILL_RECONNECT_LOCK_TTL", 30*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:        getEnvAsBool("SCHEDULER_ENABLED", true),
			DailyHour:      getEnvAsInt("SCHEDULER_DAILY_HOUR", 3),
			AuditInterval:  getEnvAsDuration("SCHEDULER_AUDIT_INTERVAL", 6*time.Hour),
			AuditLookback:  getEnvAsInt("SCHEDULER_AUDIT_LOOKBACK_DAYS", 30),
			TenantPageSize: getEnvAsInt("SCHEDULER_TENANT_PAGE_SIZE", 200),
		},
		Meta: MetaConfig{
			BaseURL:    getEnv("META_BASE_URL", "https://graph.facebook.com"),
			APIVersion: getEnv("META_API_VERSION", "v19.0"),
			Timeout:    getEnvAsDuration("META_TIMEOUT", 10*time.Second),
		},
		Shopify: ShopifyConfig{
			APIVersion: getEnv("SHOPIFY_API_VERSION", "2024-01"),
			Timeout:    getEnvAsDuration("SHOPIFY_TIMEOUT", 10*time.Second),
			PageSize:   getEnvAsInt("SHOPIFY_PAGE_SIZE", 250),
		},
		Storage: StorageConfig{
			FactBackend: getEnv("FACT_STORE_BACKEND", "postgres"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var problems []string
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimit.Backend))
	}
	switch c.Queue.Backend {
	case "memory", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("QUEUE_BACKEND must be memory or postgres, got %q", c.Queue.Backend))
	}
	switch c.Storage.FactBackend {
	case "postgres", "clickhouse":
	default:
		problems = append(problems, fmt.Sprintf("FACT_STORE_BACKEND must be postgres or clickhouse, got %q", c.Storage.FactBackend))
	}
	if c.RateLimit.MaxRequests <= 0 {
		problems = append(problems, "RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if c.Queue.BackoffMax < c.Queue.BackoffInitial {
		problems = append(problems, "QUEUE_BACKOFF_MAX must be >= QUEUE_BACKOFF_INITIAL")
	}
	if c.Worker.Concurrency <= 0 {
		problems = append(problems, "WORKER_CONCURRENCY must be positive")
	}
	if c.Poller.MaxAttempts <= 0 {
		problems = append(problems, "POLLER_MAX_ATTEMPTS must be positive")
	}
	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		problems = append(problems, "SCHEDULER_DAILY_HOUR must be within 0-23")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
