package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	// OperatorToken guards the monitoring and provider-admin surface.
	OperatorToken string

	// Ingestion pipeline tuning.
	DedupWindow        time.Duration
	ReplayTTL          time.Duration
	MaxAttempts        int
	RetryInterval      time.Duration
	RetryBatchSize     int
	CleanupInterval    time.Duration
	CleanupBatchSize   int
	EventRetention     time.Duration
	StaleRecoveryAfter time.Duration

	// Order matching heuristics.
	MatchWindowBefore time.Duration
	MatchWindowAfter  time.Duration

	// Detached processing.
	QueueEnabled     bool
	QueueConcurrency int

	// Rate limits.
	DefaultProviderRateLimit int
	OperatorRateLimit        string

	SchedulerLockTTL time.Duration
	ShutdownTimeout  time.Duration
	MigrationsPath   string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		OperatorToken: strings.TrimSpace(k.String("OPERATOR_TOKEN")),

		DedupWindow:        parseDuration(k.String("WEBHOOK_DEDUP_WINDOW"), "1h"),
		ReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		MaxAttempts:        parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 5),
		RetryInterval:      parseDuration(k.String("WEBHOOK_RETRY_INTERVAL"), "1m"),
		RetryBatchSize:     parseInt(k.String("WEBHOOK_RETRY_BATCH"), 50),
		CleanupInterval:    parseDuration(k.String("WEBHOOK_CLEANUP_INTERVAL"), "6h"),
		CleanupBatchSize:   parseInt(k.String("WEBHOOK_CLEANUP_BATCH"), 500),
		EventRetention:     parseDuration(k.String("WEBHOOK_EVENT_RETENTION"), "720h"),
		StaleRecoveryAfter: parseDuration(k.String("WEBHOOK_STALE_RECOVERY_AFTER"), "15m"),

		MatchWindowBefore: parseDuration(k.String("MATCH_WINDOW_BEFORE"), "60m"),
		MatchWindowAfter:  parseDuration(k.String("MATCH_WINDOW_AFTER"), "5m"),

		QueueEnabled:     parseBool(valueOrDefault(k.String("QUEUE_ENABLED"), "true")),
		QueueConcurrency: parseInt(k.String("QUEUE_CONCURRENCY"), 8),

		DefaultProviderRateLimit: parseInt(k.String("PROVIDER_RATE_LIMIT_PER_MIN"), 120),
		OperatorRateLimit:        valueOrDefault(k.String("OPERATOR_RATE_LIMIT"), "120-M"),

		SchedulerLockTTL: parseDuration(k.String("SCHEDULER_LOCK_TTL"), "5m"),
		ShutdownTimeout:  parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
		MigrationsPath:   valueOrDefault(k.String("MIGRATIONS_PATH"), "migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadForTests overrides environment variables for the duration of a Load.
func LoadForTests(overrides map[string]string) (*Config, error) {
	original := make(map[string]string, len(overrides))
	for key := range overrides {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, overrides[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
