package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth (validated lazily by the auth package)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Room lifecycle
	GracePeriodMs          int
	IntentionallyLeftTtlMs int
	SweepIntervalMs        int
	MaxParticipants        int

	// Metronome bounds
	BpmMin     int
	BpmMax     int
	BpmDefault int

	// Tracing (enabled when endpoint is set)
	OtelExporterEndpoint string

	// Rate Limits
	RateLimitApiGlobal string
	RateLimitApiRooms  string
	RateLimitWsIp      string
	RateLimitWsUser    string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Auth boundary (JWKS fetch is validated by the auth package at startup)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Room lifecycle knobs
	cfg.GracePeriodMs = getEnvIntOrDefault("GRACE_PERIOD_MS", 30000, &errors)
	if cfg.GracePeriodMs <= 0 {
		errors = append(errors, fmt.Sprintf("GRACE_PERIOD_MS must be positive (got %d)", cfg.GracePeriodMs))
	}
	cfg.IntentionallyLeftTtlMs = getEnvIntOrDefault("INTENTIONALLY_LEFT_TTL_MS", 60000, &errors)
	if cfg.IntentionallyLeftTtlMs <= 0 {
		errors = append(errors, fmt.Sprintf("INTENTIONALLY_LEFT_TTL_MS must be positive (got %d)", cfg.IntentionallyLeftTtlMs))
	}
	cfg.SweepIntervalMs = getEnvIntOrDefault("SWEEP_INTERVAL_MS", 250, &errors)
	if cfg.SweepIntervalMs <= 0 {
		errors = append(errors, fmt.Sprintf("SWEEP_INTERVAL_MS must be positive (got %d)", cfg.SweepIntervalMs))
	}
	cfg.MaxParticipants = getEnvIntOrDefault("MAX_PARTICIPANTS", 10, &errors)
	if cfg.MaxParticipants <= 0 {
		errors = append(errors, fmt.Sprintf("MAX_PARTICIPANTS must be positive (got %d)", cfg.MaxParticipants))
	}

	// Metronome bounds
	cfg.BpmMin = getEnvIntOrDefault("BPM_MIN", 1, &errors)
	cfg.BpmMax = getEnvIntOrDefault("BPM_MAX", 1000, &errors)
	cfg.BpmDefault = getEnvIntOrDefault("BPM_DEFAULT", 90, &errors)
	if cfg.BpmMin < 1 || cfg.BpmMin > cfg.BpmMax {
		errors = append(errors, fmt.Sprintf("BPM_MIN must satisfy 1 <= BPM_MIN <= BPM_MAX (got min=%d max=%d)", cfg.BpmMin, cfg.BpmMax))
	}
	if cfg.BpmDefault < cfg.BpmMin || cfg.BpmDefault > cfg.BpmMax {
		errors = append(errors, fmt.Sprintf("BPM_DEFAULT must be within [BPM_MIN, BPM_MAX] (got %d)", cfg.BpmDefault))
	}

	cfg.OtelExporterEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// GracePeriod returns the reconnection grace window as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// IntentionallyLeftTTL returns the intentionally-left retention as a duration.
func (c *Config) IntentionallyLeftTTL() time.Duration {
	return time.Duration(c.IntentionallyLeftTtlMs) * time.Millisecond
}

// SweepInterval returns the session-registry sweeper cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"grace_period_ms", cfg.GracePeriodMs,
		"intentionally_left_ttl_ms", cfg.IntentionallyLeftTtlMs,
		"max_participants", cfg.MaxParticipants,
		"bpm_default", cfg.BpmDefault,
		"rate_limit_api_global", cfg.RateLimitApiGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault parses an integer environment variable, appending to errs
// when the value is present but malformed
func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) == 0 {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
