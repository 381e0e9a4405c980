package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted in PROVIDER.
const (
	ProviderBackend = "backend"
	ProviderGemini  = "gemini"
)

// Config holds all configuration for the application. Credential fields are
// never logged or rendered anywhere.
type Config struct {
	Port     string
	Env      string
	Provider string // "backend" or "gemini"

	// Upstream: hosted inference API
	APIBaseURL    string
	BackendAPIKey string

	// Upstream: direct Gemini
	GeminiAPIKey string
	GeminiModel  string

	// Turn behavior. RequestTimeout is generous because the upstream may be
	// cold-starting; ColdRetryDelay spaces the single automatic retry.
	RequestTimeout  time.Duration
	UpstreamRetries int
	RetryBackoff    time.Duration
	ColdRetry       bool
	ColdRetryDelay  time.Duration

	// Input and transcript limits
	MaxMessageChars    int
	MaxTranscriptChars int
	DefaultTemperature float64
	DefaultMaxTokens   int
	SessionTTL         time.Duration

	// Optional backends
	RedisURL    string
	CacheTTL    time.Duration
	DatabaseURL string
	SQLitePath  string

	// Rate limiting
	RateLimitPerHour   int
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		Provider: os.Getenv("PROVIDER"),

		APIBaseURL:    os.Getenv("API_BASE_URL"),
		BackendAPIKey: os.Getenv("BACKEND_API_KEY"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 45*time.Second),
		UpstreamRetries: getEnvInt("UPSTREAM_RETRIES", 2),
		RetryBackoff:    getEnvDuration("RETRY_BACKOFF", 2*time.Second),
		ColdRetry:       getEnvBool("COLD_RETRY", true),
		ColdRetryDelay:  getEnvDuration("COLD_RETRY_DELAY", 3*time.Second),

		MaxMessageChars:    getEnvInt("MAX_MESSAGE_CHARS", 4000),
		MaxTranscriptChars: getEnvInt("MAX_TRANSCRIPT_CHARS", 24000),
		DefaultTemperature: getEnvFloat("DEFAULT_TEMPERATURE", 0.7),
		DefaultMaxTokens:   getEnvInt("DEFAULT_MAX_TOKENS", 8192),
		SessionTTL:         getEnvDuration("SESSION_TTL", 30*time.Minute),

		RedisURL: os.Getenv("REDIS_URL"),
		CacheTTL: getEnvDuration("CACHE_TTL", 10*time.Minute),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),

		RateLimitPerHour: getEnvInt("RATE_LIMIT_PER_HOUR", 60),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// Infer the provider in development; production must name it.
	if cfg.Provider == "" {
		if cfg.Env == "production" {
			return nil, fmt.Errorf("PROVIDER is required in production (\"backend\" or \"gemini\")")
		}
		switch {
		case cfg.APIBaseURL != "":
			cfg.Provider = ProviderBackend
		case cfg.GeminiAPIKey != "":
			cfg.Provider = ProviderGemini
		default:
			return nil, fmt.Errorf("no upstream configured: set API_BASE_URL or GEMINI_API_KEY")
		}
	}

	switch cfg.Provider {
	case ProviderBackend:
		if cfg.APIBaseURL == "" {
			return nil, fmt.Errorf("API_BASE_URL is required when PROVIDER=backend")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when PROVIDER=gemini")
		}
	default:
		return nil, fmt.Errorf("invalid PROVIDER %q (want \"backend\" or \"gemini\")", cfg.Provider)
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvDuration parses a Go duration string ("45s", "2m"); bare numbers are
// taken as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
