// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string

	// Payment providers. Either may be empty; a request can only use a configured provider.
	StripeSecretKey     string
	StripeWebhookSecret string
	PaystackSecretKey   string
	PaymentCurrency     string
	ProviderTimeout     time.Duration

	// Email notifications (optional)
	ResendAPIKey string
	FromEmail    string

	// Referral discount applied once per referred user, in percent
	ReferralDiscountPercent decimal.Decimal

	// Tracing (optional)
	OTLPEndpoint string

	// HTTP edge
	CORSOrigins        []string
	RateLimitPerMinute int64
}

const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultCurrency                = "usd"
	DefaultProviderTimeout         = 15 * time.Second
	DefaultReferralDiscountPercent = "3"
	DefaultFromEmail               = "Baggo <noreply@baggo.app>"
	DefaultCORSOrigins             = "*"
	DefaultRateLimitPerMinute      = 120

	minProductionSecretLen = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	discount, err := decimal.NewFromString(getEnv("REFERRAL_DISCOUNT_PERCENT", DefaultReferralDiscountPercent))
	if err != nil {
		return nil, fmt.Errorf("REFERRAL_DISCOUNT_PERCENT: %w", err)
	}

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaystackSecretKey:       os.Getenv("PAYSTACK_SECRET_KEY"),
		PaymentCurrency:         strings.ToLower(getEnv("PAYMENT_CURRENCY", DefaultCurrency)),
		ProviderTimeout:         getEnvDuration("PAYMENT_PROVIDER_TIMEOUT", DefaultProviderTimeout),
		ResendAPIKey:            os.Getenv("RESEND_API_KEY"),
		FromEmail:               getEnv("FROM_EMAIL", DefaultFromEmail),
		ReferralDiscountPercent: discount,
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:             splitList(getEnv("CORS_ORIGINS", DefaultCORSOrigins)),
		RateLimitPerMinute:      getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < minProductionSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in production", minProductionSecretLen)
	}
	if c.IsProduction() && c.StripeSecretKey == "" && c.PaystackSecretKey == "" {
		return fmt.Errorf("at least one of STRIPE_SECRET_KEY or PAYSTACK_SECRET_KEY is required in production")
	}
	if c.StripeSecretKey != "" && c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set in production")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PAYMENT_PROVIDER_TIMEOUT must be positive")
	}
	if c.ReferralDiscountPercent.IsNegative() || c.ReferralDiscountPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("REFERRAL_DISCOUNT_PERCENT must be in [0, 100)")
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

// getEnvDuration accepts Go durations ("15s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs := getEnvInt64(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
