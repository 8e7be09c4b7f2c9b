// Package config loads the engine's runtime configuration from
// environment variables (optionally seeded from a .env file), the
// same getEnv/godotenv pattern the teacher's config package uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine configuration.
type Config struct {
	Environment string

	Feed     FeedConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Postgres PostgresConfig
	Reconnect ReconnectConfig
	Health   HealthConfig
	Metrics  MetricsConfig
	Logging  LoggingConfig
}

// LoggingConfig controls where structured log lines are written. An
// empty File leaves the default logger on stdout only.
type LoggingConfig struct {
	File               string
	MaxSizeMB          int
	MaxAge             time.Duration
	MaxBackups         int
	CompressionEnabled bool
}

// FeedConfig holds the vendor streaming endpoint and the credentials
// used to mint session tokens (spec.md §5, SPEC_FULL.md session
// adapter).
type FeedConfig struct {
	WSURL      string
	APIKey     string
	ClientCode string
	TOTPSeed   string
	TOTPURI    string
}

// RedisConfig parameterizes the latest-price/depth cache and
// plan-lifecycle pub/sub connection (marketcache.Config).
type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// JWTConfig parameterizes session credential signing
// (session.JWTIssuer).
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// PostgresConfig parameterizes the order-plan store
// (planstore.PostgresStore), used when POSTGRES_DSN is set;
// cmd/feedengine otherwise falls back to the in-memory store.
type PostgresConfig struct {
	DSN string
}

// ReconnectConfig mirrors streamconn.Config's backoff fields so they
// can be tuned without a redeploy.
type ReconnectConfig struct {
	BaseSeconds int
	Multiplier  float64
	MaxAttempts int
}

// HealthConfig mirrors streamconn.Config's liveness thresholds.
type HealthConfig struct {
	MaxFrameAge         time.Duration
	MaxPongAge          time.Duration
	DataRequestInterval time.Duration
}

// MetricsConfig controls the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	ListenAddr string
}

// Load loads configuration from environment variables, trying a .env
// file first (ignoring its absence, matching the teacher's pattern).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		Feed: FeedConfig{
			WSURL:      getEnv("FEED_WS_URL", ""),
			APIKey:     getEnv("FEED_API_KEY", ""),
			ClientCode: getEnv("FEED_CLIENT_CODE", ""),
			TOTPSeed:   getEnv("FEED_TOTP_SEED", ""),
			TOTPURI:    getEnv("FEED_TOTP_URI", ""),
		},

		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			DialTimeout:  getEnvAsSeconds("REDIS_DIAL_TIMEOUT_SECONDS", 5),
			ReadTimeout:  getEnvAsSeconds("REDIS_READ_TIMEOUT_SECONDS", 3),
			WriteTimeout: getEnvAsSeconds("REDIS_WRITE_TIMEOUT_SECONDS", 3),
		},

		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getEnvAsSeconds("JWT_EXPIRY_SECONDS", 24*3600),
		},

		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", ""),
		},

		Reconnect: ReconnectConfig{
			BaseSeconds: getEnvAsInt("RECONNECT_BASE_SECONDS", 5),
			Multiplier:  getEnvAsFloat("RECONNECT_MULTIPLIER", 1.5),
			MaxAttempts: getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 10),
		},

		Health: HealthConfig{
			MaxFrameAge:         getEnvAsSeconds("HEALTH_MAX_FRAME_AGE_SECONDS", 300),
			MaxPongAge:          getEnvAsSeconds("HEALTH_MAX_PONG_AGE_SECONDS", 120),
			DataRequestInterval: getEnvAsSeconds("DATA_REQUEST_INTERVAL_SECONDS", 60),
		},

		Metrics: MetricsConfig{
			ListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9090"),
		},

		Logging: LoggingConfig{
			File:               getEnv("LOG_FILE", ""),
			MaxSizeMB:          getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxAge:             getEnvAsSeconds("LOG_MAX_AGE_SECONDS", 7*24*3600),
			MaxBackups:         getEnvAsInt("LOG_MAX_BACKUPS", 5),
			CompressionEnabled: getEnv("LOG_COMPRESS", "true") == "true",
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RedisAddr joins host and port for redis.Options.Addr.
func (c *RedisConfig) RedisAddr() string {
	return c.Host + ":" + c.Port
}

// Validate checks required fields when Environment is "production".
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.Feed.APIKey == "" {
			return fmt.Errorf("FEED_API_KEY is required in production")
		}
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
	}
	return nil
}

func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
