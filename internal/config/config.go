package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Eveve booking provider configuration
	Eveve EveveConfig

	// Stripe payment processor configuration
	Stripe StripeConfig

	// Flow orchestration configuration
	Flow FlowConfig

	// Session configuration
	Session SessionConfig

	// CORS configuration
	CORS CORSConfig

	// Compensation journal configuration (optional)
	Journal JournalConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// EveveConfig holds Eveve booking API configuration
type EveveConfig struct {
	BaseURL string // e.g. https://nz6.eveve.com
	Timeout time.Duration
}

// StripeConfig holds Stripe API configuration
type StripeConfig struct {
	APIURL    string // override for tests; defaults to the live API host
	SecretKey string // optional; required only for server-side refunds
	Timeout   time.Duration
}

// FlowConfig holds orchestrator behaviour configuration
type FlowConfig struct {
	HoldTTL           time.Duration // provisional hold lifetime (display/advisory)
	CallTimeout       time.Duration // bounded wait per external call
	EnforceHoldExpiry bool          // when true, stage entry hard-fails once the hold TTL passes
	Language          string        // lng/lang parameter sent to Eveve
	ActivityLogCap    int           // max retained activity entries per session
}

// SessionConfig holds session token configuration
type SessionConfig struct {
	Secret string
	TTL    time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// JournalConfig holds the optional Postgres compensation journal configuration.
// The journal is disabled when URL is empty.
type JournalConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Eveve: EveveConfig{
			BaseURL: getEnv("EVEVE_BASE_URL", ""),
			Timeout: time.Duration(getEnvAsInt("EVEVE_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Stripe: StripeConfig{
			APIURL:    getEnv("STRIPE_API_URL", "https://api.stripe.com"),
			SecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			Timeout:   time.Duration(getEnvAsInt("STRIPE_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Flow: FlowConfig{
			HoldTTL:           time.Duration(getEnvAsInt("FLOW_HOLD_TTL_SECONDS", 180)) * time.Second,
			CallTimeout:       time.Duration(getEnvAsInt("FLOW_CALL_TIMEOUT_SECONDS", 10)) * time.Second,
			EnforceHoldExpiry: getEnvAsBool("FLOW_ENFORCE_HOLD_EXPIRY", false),
			Language:          getEnv("FLOW_LANGUAGE", "en"),
			ActivityLogCap:    getEnvAsInt("FLOW_ACTIVITY_LOG_CAP", 500),
		},
		Session: SessionConfig{
			Secret: getEnv("SESSION_SECRET", ""),
			TTL:    time.Duration(getEnvAsInt("SESSION_TTL_SECONDS", 7200)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Journal: JournalConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 5),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 2),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Eveve.BaseURL == "" {
		return fmt.Errorf("EVEVE_BASE_URL is required")
	}

	if c.Session.Secret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}

	if c.Flow.CallTimeout <= 0 {
		return fmt.Errorf("FLOW_CALL_TIMEOUT_SECONDS must be positive")
	}

	if c.Flow.HoldTTL <= 0 {
		return fmt.Errorf("FLOW_HOLD_TTL_SECONDS must be positive")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
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
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
