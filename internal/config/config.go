package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the billing service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Billing    BillingConfig
	Stripe     StripeConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	// Enabled connects Redis for webhook dedupe and rate limiting even when
	// locks are process-local. LOCK_BACKEND=redis always connects.
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// StorageConfig selects the backends for balances, sessions and locks.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string
	// LockBackend is "local" (single replica) or "redis".
	LockBackend  string
	LockTTL      time.Duration
	LockPollWait time.Duration
}

// BillingConfig holds the session billing policy
type BillingConfig struct {
	RatePerMinute              int64
	MaxDurationMinutes         int64
	PlatformFeePercent         float64
	GracePeriodSeconds         int
	DisconnectThresholdSeconds int
	HeartbeatIntervalSeconds   int
	HeartbeatLogCap            int
	CancelGraceSeconds         int64
	PlatformAccountID          string
	ReaperInterval             time.Duration
}

// PlatformFeeBps converts the configured percentage into basis points.
func (b BillingConfig) PlatformFeeBps() int64 {
	return int64(math.Round(b.PlatformFeePercent * 100))
}

// StripeConfig holds Stripe webhook configuration
type StripeConfig struct {
	WebhookSecret string
	// Currency is the ISO code of wallet balances; top-ups in any other
	// currency are not credited.
	Currency string
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	JWTSecret          string
	AdminAPIToken      string
	RateLimitPerMinute int64
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),
			AllowedOrigins:  getEnvAsList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "billing"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "session_billing"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
			AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Storage: StorageConfig{
			Driver:       getEnv("STORAGE_DRIVER", "postgres"),
			LockBackend:  getEnv("LOCK_BACKEND", "local"),
			LockTTL:      getEnvAsDuration("LOCK_TTL", "30s"),
			LockPollWait: getEnvAsDuration("LOCK_POLL_INTERVAL", "25ms"),
		},
		Billing: BillingConfig{
			RatePerMinute:              getEnvAsInt64("BILLING_RATE_PER_MINUTE", 100),
			MaxDurationMinutes:         getEnvAsInt64("BILLING_MAX_DURATION_MINUTES", 60),
			PlatformFeePercent:         getEnvAsFloat("BILLING_PLATFORM_FEE_PERCENT", 15),
			GracePeriodSeconds:         getEnvAsInt("BILLING_GRACE_PERIOD_SECONDS", 30),
			DisconnectThresholdSeconds: getEnvAsInt("BILLING_DISCONNECT_THRESHOLD_SECONDS", 60),
			HeartbeatIntervalSeconds:   getEnvAsInt("BILLING_HEARTBEAT_INTERVAL_SECONDS", 30),
			HeartbeatLogCap:            getEnvAsInt("BILLING_HEARTBEAT_LOG_CAP", 100),
			CancelGraceSeconds:         getEnvAsInt64("BILLING_CANCEL_GRACE_SECONDS", 60),
			PlatformAccountID:          getEnv("BILLING_PLATFORM_ACCOUNT_ID", "platform"),
			ReaperInterval:             getEnvAsDuration("REAPER_INTERVAL", "1m"),
		},
		Stripe: StripeConfig{
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      getEnv("STRIPE_CURRENCY", "usd"),
		},
		Security: SecurityConfig{
			JWTSecret:          getEnv("JWT_SECRET", ""),
			AdminAPIToken:      getEnv("ADMIN_API_TOKEN", ""),
			RateLimitPerMinute: getEnvAsInt64("RATE_LIMIT_PER_MINUTE", 120),
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Storage.Driver)
	}

	switch c.Storage.LockBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("LOCK_BACKEND must be local or redis, got %q", c.Storage.LockBackend)
	}

	if c.Security.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	b := c.Billing
	if b.RatePerMinute <= 0 {
		return fmt.Errorf("BILLING_RATE_PER_MINUTE must be positive")
	}
	if b.MaxDurationMinutes <= 0 {
		return fmt.Errorf("BILLING_MAX_DURATION_MINUTES must be positive")
	}
	if b.PlatformFeePercent < 0 || b.PlatformFeePercent > 100 {
		return fmt.Errorf("BILLING_PLATFORM_FEE_PERCENT must be between 0 and 100")
	}
	if b.GracePeriodSeconds < 0 || b.DisconnectThresholdSeconds <= 0 {
		return fmt.Errorf("BILLING_GRACE_PERIOD_SECONDS must be non-negative and BILLING_DISCONNECT_THRESHOLD_SECONDS positive")
	}
	if b.HeartbeatLogCap <= 0 {
		return fmt.Errorf("BILLING_HEARTBEAT_LOG_CAP must be positive")
	}
	if b.PlatformAccountID == "" {
		return fmt.Errorf("BILLING_PLATFORM_ACCOUNT_ID is required")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
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
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
