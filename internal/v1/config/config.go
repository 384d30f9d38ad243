package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration. Every tunable of the
// realtime core is enumerated here; nothing reads os.Getenv outside this
// package and main.
type Config struct {
	// Server
	Port            string
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Auth
	AuthDomain   string
	AuthAudience string
	SkipAuth     bool

	// Broker
	BrokerURL               string
	BrokerTLSEnabled        bool
	BrokerHealthInterval    time.Duration
	BrokerHealthTimeout     time.Duration
	EnableSubjectValidation bool
	StrictSubjectValidation bool

	// Retry
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Circuit breaker
	BreakerFailureThreshold uint32
	BreakerOpenDuration     time.Duration

	// Connections
	OutboundQueueSize int
	GracePeriod       time.Duration

	// Health monitor
	PingInterval       time.Duration
	PongTimeout        time.Duration
	StaleStrikes       int
	TokenRevalInterval time.Duration

	// Cleaner
	CleanerInterval time.Duration

	// Rate limiting
	RateLimitWindow    time.Duration
	RateLimitMaxEvents int64

	// Mute cache
	MuteCacheTTL time.Duration

	// Broadcast
	FanoutConcurrency int

	// DLQ
	DLQPath string

	// Store (persistence adapter)
	RedisAddr     string
	RedisPassword string

	// Graceful shutdown notice window
	ShutdownNotice time.Duration
}

// ValidateEnv validates all environment variables and returns a Config.
// Validation errors are collected and reported together.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if p, err := strconv.Atoi(cfg.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number (got '%s')", cfg.Port))
	}

	// Required: BROKER_URL
	cfg.BrokerURL = os.Getenv("BROKER_URL")
	if cfg.BrokerURL == "" {
		errs = append(errs, "BROKER_URL is required (e.g. nats://localhost:4222)")
	}

	cfg.BrokerTLSEnabled = os.Getenv("BROKER_TLS_ENABLED") == "true"
	if cfg.BrokerTLSEnabled && strings.HasPrefix(cfg.BrokerURL, "nats://") {
		errs = append(errs, "BROKER_TLS_ENABLED=true requires a tls:// broker URL")
	}

	cfg.BrokerHealthInterval = durationEnv(&errs, "BROKER_HEALTH_INTERVAL_MS", 30_000)
	cfg.BrokerHealthTimeout = durationEnv(&errs, "BROKER_HEALTH_TIMEOUT_MS", 5_000)
	cfg.EnableSubjectValidation = os.Getenv("BROKER_ENABLE_SUBJECT_VALIDATION") != "false"
	cfg.StrictSubjectValidation = os.Getenv("BROKER_STRICT_SUBJECT_VALIDATION") == "true"

	cfg.RetryMaxAttempts = intEnv(&errs, "RETRY_MAX_ATTEMPTS", 5)
	cfg.RetryBaseDelay = durationEnv(&errs, "RETRY_BASE_DELAY_MS", 100)
	cfg.RetryMaxDelay = durationEnv(&errs, "RETRY_MAX_DELAY_MS", 5_000)

	cfg.BreakerFailureThreshold = uint32(intEnv(&errs, "BREAKER_FAILURE_THRESHOLD", 5))
	cfg.BreakerOpenDuration = durationEnv(&errs, "BREAKER_OPEN_DURATION_MS", 15_000)

	cfg.OutboundQueueSize = intEnv(&errs, "CONNECTION_OUTBOUND_QUEUE_SIZE", 256)
	cfg.GracePeriod = durationEnv(&errs, "CONNECTION_GRACE_PERIOD_MS", 30_000)

	cfg.PingInterval = durationEnv(&errs, "HEALTH_PING_INTERVAL_MS", 15_000)
	cfg.PongTimeout = durationEnv(&errs, "HEALTH_PONG_TIMEOUT_MS", 10_000)
	cfg.StaleStrikes = intEnv(&errs, "HEALTH_STALE_STRIKES", 3)
	cfg.TokenRevalInterval = durationEnv(&errs, "HEALTH_TOKEN_REVALIDATION_INTERVAL_MS", 300_000)

	cfg.CleanerInterval = durationEnv(&errs, "CLEANER_INTERVAL_MS", 60_000)

	cfg.RateLimitWindow = durationEnv(&errs, "RATE_LIMIT_WINDOW_MS", 10_000)
	cfg.RateLimitMaxEvents = int64(intEnv(&errs, "RATE_LIMIT_MAX_EVENTS", 10))

	cfg.MuteCacheTTL = durationEnv(&errs, "MUTE_CACHE_TTL_MS", 300_000)

	cfg.FanoutConcurrency = intEnv(&errs, "BROADCAST_FANOUT_CONCURRENCY", 64)

	cfg.DLQPath = getEnvOrDefault("DLQ_PATH", "dlq.jsonl")

	cfg.ShutdownNotice = durationEnv(&errs, "SHUTDOWN_NOTICE_MS", 3_000)

	// Store adapter (optional: absent means the in-memory store is used)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Auth
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	if !cfg.SkipAuth && !cfg.DevelopmentMode {
		if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			errs = append(errs, "AUTH_DOMAIN and AUTH_AUDIENCE are required when SKIP_AUTH=false")
		}
	}
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// durationEnv reads a millisecond env var with a default.
func durationEnv(errs *[]string, key string, defMs int) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return time.Duration(defMs) * time.Millisecond
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer of milliseconds (got '%s')", key, raw))
		return time.Duration(defMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// intEnv reads a positive integer env var with a default.
func intEnv(errs *[]string, key string, def int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return def
	}
	return n
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
