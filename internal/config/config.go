// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
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

	// Scoring service
	ScoringURL     string // Base address of the external scoring service
	ScoringAPIKey  string // Bearer credential for the scoring service
	ScoringTimeout time.Duration

	// Retry policy
	MaxRetries   int
	RetryBackoff time.Duration

	// Fallback policy
	FallbackEnabled   bool   // Synthesize a local assessment when the service is exhausted
	FallbackRiskLevel string // Default risk level for fallback assessments
	FallbackProceeds  bool   // Fallback outcome proceeds (flagged) instead of blocking

	// Per-action protection toggles
	LoginProtection     bool
	CheckoutProtection  bool
	SensitiveProtection bool

	// Rate limiting
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultScoringTimeout    = 5 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultFallbackRiskLevel = "REVIEW"
	DefaultRateLimit         = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ScoringURL:          os.Getenv("SCORING_URL"),  // Required
		ScoringAPIKey:       os.Getenv("SCORING_API_KEY"),
		ScoringTimeout:      getEnvDuration("SCORING_TIMEOUT", DefaultScoringTimeout),
		MaxRetries:          int(getEnvInt64("SCORING_MAX_RETRIES", DefaultMaxRetries)),
		RetryBackoff:        getEnvDuration("SCORING_RETRY_BACKOFF", DefaultRetryBackoff),
		FallbackEnabled:     getEnvBool("FALLBACK_ENABLED", true),
		FallbackRiskLevel:   getEnv("FALLBACK_RISK_LEVEL", DefaultFallbackRiskLevel),
		FallbackProceeds:    getEnvBool("FALLBACK_PROCEEDS", true),
		LoginProtection:     getEnvBool("LOGIN_PROTECTION", true),
		CheckoutProtection:  getEnvBool("CHECKOUT_PROTECTION", true),
		SensitiveProtection: getEnvBool("SENSITIVE_PROTECTION", true),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ScoringURL == "" {
		return fmt.Errorf("SCORING_URL is required")
	}
	if u, err := url.Parse(c.ScoringURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SCORING_URL must be an absolute URL")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("SCORING_MAX_RETRIES must not be negative")
	}
	if c.ScoringTimeout <= 0 {
		return fmt.Errorf("SCORING_TIMEOUT must be positive")
	}

	switch c.FallbackRiskLevel {
	case "ALLOW", "REVIEW", "DENY":
	default:
		return fmt.Errorf("FALLBACK_RISK_LEVEL must be ALLOW, REVIEW, or DENY")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
