// Package config handles ledger simulator configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all simulator configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Client authentication. When empty, any non-empty key/secret pair is
	// accepted (local development).
	APIKey    string
	APISecret string

	// Settlement behaviour
	ConfirmAfterPolls int           // Reads of a pending payment before it confirms
	ChallengeTTL      time.Duration // How long a challenged payment waits before expiring
	DefaultDailyLimit string        // Daily spend limit applied to agents without a profile

	// Tracing
	OTLPEndpoint string
}

// Defaults match the ledger service the SDK talks to out of the box.
const (
	DefaultPort              = "4000"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultConfirmAfterPolls = 2
	DefaultChallengeTTL      = 5 * time.Minute
	DefaultDailyLimit        = "1000"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		APIKey:            os.Getenv("SIM_API_KEY"),
		APISecret:         os.Getenv("SIM_API_SECRET"),
		ConfirmAfterPolls: int(getEnvInt64("CONFIRM_AFTER_POLLS", DefaultConfirmAfterPolls)),
		ChallengeTTL:      getEnvDuration("CHALLENGE_TTL", DefaultChallengeTTL),
		DefaultDailyLimit: getEnv("DEFAULT_DAILY_LIMIT", DefaultDailyLimit),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.ConfirmAfterPolls < 0 {
		return fmt.Errorf("CONFIRM_AFTER_POLLS must be >= 0")
	}
	if c.ChallengeTTL <= 0 {
		return fmt.Errorf("CHALLENGE_TTL must be positive")
	}
	if c.DefaultDailyLimit == "" {
		return fmt.Errorf("DEFAULT_DAILY_LIMIT is required")
	}
	if (c.APIKey == "") != (c.APISecret == "") {
		return fmt.Errorf("SIM_API_KEY and SIM_API_SECRET must be set together")
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
