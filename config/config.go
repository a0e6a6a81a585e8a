package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Redis     RedisConfig             `mapstructure:"redis"`
	JWT       JWTConfig               `mapstructure:"jwt"`
	Ingest    IngestConfig            `mapstructure:"ingest"`
	Worker    WorkerConfig            `mapstructure:"worker"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Log       LogConfig               `mapstructure:"log"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"`           // debug, release, test
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"` // request body cap on the webhook endpoint
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig configures validation of operator tokens for the status/retry
// endpoints. Tokens are issued out of band from the same secret.
type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

// RateLimitConfig is a (limit, window) pair for one rate-limited operation.
type RateLimitConfig struct {
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// SourceConfig holds the per-source webhook settings.
type SourceConfig struct {
	Secret          string          `mapstructure:"secret"`
	SignatureHeader string          `mapstructure:"signature_header"`
	MaxRetries      int             `mapstructure:"max_retries"`
	RejectInvalid   bool            `mapstructure:"reject_invalid"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// IngestConfig holds ingestion-wide settings and fallbacks for sources that
// do not override them.
type IngestConfig struct {
	DefaultMaxRetries int             `mapstructure:"default_max_retries"`
	DefaultRateLimit  RateLimitConfig `mapstructure:"default_rate_limit"`
	RetryRateLimit    RateLimitConfig `mapstructure:"retry_rate_limit"`
	DedupCacheTTL     time.Duration   `mapstructure:"dedup_cache_ttl"`
	MaxInlinePayload  int             `mapstructure:"max_inline_payload"` // bytes of raw payload carried inside published envelopes
}

type WorkerConfig struct {
	Count          int           `mapstructure:"count"`
	QueueSize      int           `mapstructure:"queue_size"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type SchedulerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	StaleAfter time.Duration `mapstructure:"stale_after"` // age before a pending/processing row counts as abandoned
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: WIS_ (Webhook Ingestion Service).
// Nested keys use underscore: WIS_DATABASE_HOST, WIS_JWT_SECRET, etc.
// Per-source settings (secrets, signature headers, limits) come from the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.max_body_bytes", 1048576)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "webhook_ingestion")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("jwt.issuer", "webhook-ingestion-service")
	v.SetDefault("ingest.default_max_retries", 5)
	v.SetDefault("ingest.default_rate_limit.limit", 10)
	v.SetDefault("ingest.default_rate_limit.window", "60s")
	v.SetDefault("ingest.retry_rate_limit.limit", 10)
	v.SetDefault("ingest.retry_rate_limit.window", "60s")
	v.SetDefault("ingest.dedup_cache_ttl", "24h")
	v.SetDefault("ingest.max_inline_payload", 16384)
	v.SetDefault("worker.count", 8)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.attempt_timeout", "30s")
	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.stale_after", "5m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: WIS_DATABASE_HOST -> database.host
	v.SetEnvPrefix("WIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
