// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Matching / routing
	ShardCount     int
	ShardQueueSize int
	ShardPolicy    string // "reject" or "redirect"

	// Market defaults (seed values; live config is the market store)
	BandBP             int64
	IPOPrice           int64
	IPOShares          int64
	TransferFeePct     int64
	TransferFeeMin     int64
	InitialGrant       int64
	EscrowMaxAge       time.Duration
	AuditInterval      time.Duration

	// Notification relay
	NotifyURL string

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPS int
	AdminSecret  string // Admin API secret
}

// Defaults for a development instance.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultShardCount     = 16
	DefaultShardQueue     = 256
	DefaultBandBP         = 2000 // +-20%
	DefaultIPOPrice       = 20
	DefaultIPOShares      = 10000
	DefaultTransferFeePct = 2
	DefaultTransferFeeMin = 1
	DefaultInitialGrant   = 100
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ShardCount:     int(getEnvInt64("SHARD_COUNT", DefaultShardCount)),
		ShardQueueSize: int(getEnvInt64("SHARD_QUEUE_SIZE", DefaultShardQueue)),
		ShardPolicy:    getEnv("SHARD_POLICY", "reject"),
		BandBP:         getEnvInt64("BAND_BP", DefaultBandBP),
		IPOPrice:       getEnvInt64("IPO_PRICE", DefaultIPOPrice),
		IPOShares:      getEnvInt64("IPO_SHARES", DefaultIPOShares),
		TransferFeePct: getEnvInt64("TRANSFER_FEE_PCT", DefaultTransferFeePct),
		TransferFeeMin: getEnvInt64("TRANSFER_FEE_MIN", DefaultTransferFeeMin),
		InitialGrant:   getEnvInt64("INITIAL_GRANT", DefaultInitialGrant),
		EscrowMaxAge:   getEnvDuration("ESCROW_MAX_AGE", 24*time.Hour),
		AuditInterval:  getEnvDuration("AUDIT_INTERVAL", 5*time.Minute),
		NotifyURL:      os.Getenv("NOTIFY_URL"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.ShardCount <= 0 {
		return fmt.Errorf("SHARD_COUNT must be positive")
	}
	if c.BandBP <= 0 || c.BandBP >= 10000 {
		return fmt.Errorf("BAND_BP must be in (0, 10000)")
	}
	if c.IPOPrice <= 0 {
		return fmt.Errorf("IPO_PRICE must be positive")
	}
	if c.IPOShares < 0 {
		return fmt.Errorf("IPO_SHARES must not be negative")
	}
	if c.TransferFeePct < 0 || c.TransferFeePct > 100 {
		return fmt.Errorf("TRANSFER_FEE_PCT must be in [0, 100]")
	}
	if c.ShardPolicy != "reject" && c.ShardPolicy != "redirect" {
		return fmt.Errorf("SHARD_POLICY must be reject or redirect")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
