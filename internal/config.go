package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env            string
	Port           int
	LogLevel       string
	BaseURL        string
	RequestTimeout time.Duration

	// Origins allowed to call the API from a browser. "*" allows any.
	CORSAllowedOrigins []string

	// Store Configuration
	StoreDriver string // "memory", "postgres" or "redis"
	DatabaseUrl string
	RedisURL    string

	// Quota and attachment limits
	FreeWeeklyLimit int
	MaxAttachments  int
	MaxContextChars int
	MaxUploadFiles  int
	MaxUploadBytes  int64

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string
	LocalStorageURL  string

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	// AI Provider Configuration
	AIProvider       string // "openai" or "mock"
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	AITemperature    float64
	AIMaxRetries     int
	AIRetryBaseDelay time.Duration
	AIRequestTimeout time.Duration
	SystemPrompt     string

	// Identity
	AuthMode          string // "jwt" or "header"
	FirebaseProjectID string
	AuthJWKSURL       string

	// Stripe Billing Configuration
	// Billing routes answer 503 when the secret key is empty.
	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string
	StripePriceID        string // price used by checkout and subscribe
	StripePricePlans     string // "price_a=pro,price_b=team"

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string

	// Ask requests allowed per user per minute
	AskRateLimit int

	// Webhook deliveries allowed per client IP per minute
	WebhookRateLimit int
}

const (
	AuthModeJWT    = "jwt"
	AuthModeHeader = "header"

	defaultJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

	DefaultSystemPrompt = "You are EstateGPT, an assistant for real estate professionals. " +
		"Answer clearly and concisely. When document excerpts are provided, ground your answer in them " +
		"and say when they do not contain the answer. You do not give legal or tax advice."
)

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	defaultDriver := "postgres"
	if env == "development" {
		defaultDriver = "memory"
	}

	cfg := &Config{
		Env:            env,
		Port:           getEnvInt("PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "debug"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		StoreDriver: getEnv("STORE_DRIVER", defaultDriver),
		DatabaseUrl: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		FreeWeeklyLimit: getEnvInt("FREE_WEEKLY_LIMIT", 3),
		MaxAttachments:  getEnvInt("MAX_ATTACHMENTS", 3),
		MaxContextChars: getEnvInt("MAX_CONTEXT_CHARS", 6000),
		MaxUploadFiles:  getEnvInt("MAX_UPLOAD_FILES", 10),
		MaxUploadBytes:  int64(getEnvInt("MAX_UPLOAD_BYTES", 20<<20)),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", "http://localhost:8080/files"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),

		// AI provider defaults
		AIProvider:       getEnv("AI_PROVIDER", "mock"),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AITemperature:    getEnvFloat("AI_TEMPERATURE", 0.4),
		AIMaxRetries:     getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay: getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 60*time.Second),
		SystemPrompt:     getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),

		AuthMode:          getEnv("AUTH_MODE", AuthModeJWT),
		FirebaseProjectID: getEnv("FIREBASE_PROJECT_ID", ""),
		AuthJWKSURL:       getEnv("AUTH_JWKS_URL", defaultJWKSURL),

		// Stripe billing (optional in development)
		StripeSecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
		StripePublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
		StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceID:        getEnv("STRIPE_PRICE_ID", ""),
		StripePricePlans:     getEnv("STRIPE_PRICE_PLANS", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),

		AskRateLimit:     getEnvInt("ASK_RATE_LIMIT", 30),
		WebhookRateLimit: getEnvInt("WEBHOOK_RATE_LIMIT", 120),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (cfg *Config) Validate() error {
	switch cfg.StoreDriver {
	case "memory":
		if !cfg.IsDevelopment() {
			return fmt.Errorf("STORE_DRIVER 'memory' is only allowed when ENV is 'development'")
		}
	case "postgres":
		if cfg.DatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is 'postgres'")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER is 'redis'")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of 'memory', 'postgres' or 'redis', got: %s", cfg.StoreDriver)
	}

	if cfg.FreeWeeklyLimit < 0 {
		return fmt.Errorf("FREE_WEEKLY_LIMIT must not be negative, got: %d", cfg.FreeWeeklyLimit)
	}
	if cfg.MaxAttachments < 0 || cfg.MaxUploadFiles < 1 || cfg.MaxUploadBytes < 1 || cfg.MaxContextChars < 1 {
		return fmt.Errorf("attachment limits must be positive")
	}

	// Validate storage configuration
	if cfg.StorageProvider == "r2" {
		if cfg.R2AccountID == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if cfg.StorageProvider != "local" {
		return fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	// Validate AI provider configuration
	if cfg.AIProvider == "openai" {
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is 'openai'")
		}
	} else if cfg.AIProvider != "mock" {
		return fmt.Errorf("AI_PROVIDER must be either 'openai' or 'mock', got: %s", cfg.AIProvider)
	}

	switch cfg.AuthMode {
	case AuthModeJWT:
		if cfg.FirebaseProjectID == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required when AUTH_MODE is 'jwt'")
		}
	case AuthModeHeader:
		if !cfg.IsDevelopment() {
			return fmt.Errorf("AUTH_MODE 'header' is only allowed when ENV is 'development'")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be either 'jwt' or 'header', got: %s", cfg.AuthMode)
	}

	if !cfg.IsDevelopment() && cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}

	return nil
}

func (cfg *Config) IsDevelopment() bool {
	return cfg.Env == "development"
}

// BillingEnabled reports whether Stripe credentials are configured.
func (cfg *Config) BillingEnabled() bool {
	return cfg.StripeSecretKey != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
