// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends accepted in STORAGE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. The backend is resolved once here and never re-evaluated.
	DatabaseURL    string
	StorageBackend string

	// Observability
	OTLPEndpoint string

	// HTTP
	RateLimitRPS       int
	RateLimitBurst     int
	CORSAllowedOrigins []string

	// Fee routing defaults; the live values can be changed through the API.
	Routing RoutingDefaults
}

// RoutingDefaults seeds the process-wide routing configuration at startup.
type RoutingDefaults struct {
	MinMixingRounds         int
	MaxMixingRounds         int
	MinDelayMinutes         int
	MaxDelayMinutes         int
	MaxWalletBalance        int64
	CycleIntervalHours      int
	CompletionDelaySeconds  int
	RecoveryIntervalSeconds int
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40

	DefaultMinMixingRounds         = 3
	DefaultMaxMixingRounds         = 7
	DefaultMinDelayMinutes         = 10
	DefaultMaxDelayMinutes         = 120
	DefaultMaxWalletBalance        = 10_000_000
	DefaultCycleIntervalHours      = 24
	DefaultCompletionDelaySeconds  = 60
	DefaultRecoveryIntervalSeconds = 30
)

// Routing upper bounds. Counts are stored as 32-bit integers and delays must
// fit in a time.Duration.
const (
	maxRoutingCount        = math.MaxInt32
	maxRoutingDelayMinutes = int(math.MaxInt64 / int64(time.Minute))
	maxRoutingSeconds      = math.MaxInt32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StorageBackend:     strings.ToLower(os.Getenv("STORAGE_BACKEND")),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimitRPS)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Routing: RoutingDefaults{
			MinMixingRounds:         int(getEnvInt64("MIXING_MIN_ROUNDS", DefaultMinMixingRounds)),
			MaxMixingRounds:         int(getEnvInt64("MIXING_MAX_ROUNDS", DefaultMaxMixingRounds)),
			MinDelayMinutes:         int(getEnvInt64("MIXING_MIN_DELAY_MINUTES", DefaultMinDelayMinutes)),
			MaxDelayMinutes:         int(getEnvInt64("MIXING_MAX_DELAY_MINUTES", DefaultMaxDelayMinutes)),
			MaxWalletBalance:        getEnvInt64("MIXING_MAX_WALLET_BALANCE", DefaultMaxWalletBalance),
			CycleIntervalHours:      int(getEnvInt64("MIXING_CYCLE_INTERVAL_HOURS", DefaultCycleIntervalHours)),
			CompletionDelaySeconds:  int(getEnvInt64("MIXING_COMPLETION_DELAY_SECONDS", DefaultCompletionDelaySeconds)),
			RecoveryIntervalSeconds: int(getEnvInt64("MIXING_RECOVERY_INTERVAL_SECONDS", DefaultRecoveryIntervalSeconds)),
		},
	}

	if cfg.StorageBackend == "" {
		cfg.StorageBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.StorageBackend = BackendPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=%s", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StorageBackend)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	r := c.Routing
	if r.MaxMixingRounds > maxRoutingCount {
		return fmt.Errorf("MIXING_MAX_ROUNDS must not exceed %d", maxRoutingCount)
	}
	if r.MaxDelayMinutes > maxRoutingDelayMinutes {
		return fmt.Errorf("MIXING_MAX_DELAY_MINUTES must not exceed %d", maxRoutingDelayMinutes)
	}
	if r.CycleIntervalHours > maxRoutingCount || r.CompletionDelaySeconds > maxRoutingSeconds || r.RecoveryIntervalSeconds > maxRoutingSeconds {
		return fmt.Errorf("cycle interval, completion delay and recovery interval must not exceed %d", maxRoutingSeconds)
	}
	if r.MinMixingRounds <= 0 || r.MaxMixingRounds < r.MinMixingRounds {
		return fmt.Errorf("mixing rounds must satisfy 0 < min <= max (got %d..%d)", r.MinMixingRounds, r.MaxMixingRounds)
	}
	if r.MinDelayMinutes <= 0 || r.MaxDelayMinutes < r.MinDelayMinutes {
		return fmt.Errorf("mixing delay must satisfy 0 < min <= max (got %d..%d)", r.MinDelayMinutes, r.MaxDelayMinutes)
	}
	if r.MaxWalletBalance <= 0 || r.CycleIntervalHours <= 0 || r.CompletionDelaySeconds <= 0 || r.RecoveryIntervalSeconds <= 0 {
		return fmt.Errorf("wallet balance cap, cycle interval, completion delay and recovery interval must be positive")
	}

	return nil
}

// UsesPostgres reports whether the durable backend is configured.
func (c *Config) UsesPostgres() bool {
	return c.StorageBackend == BackendPostgres
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
