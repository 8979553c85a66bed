package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL":           "postgres://localhost/posbridge_test",
		"REDIS_URL":              "redis://localhost:6379/0",
		"PORT":                   "",
		"WEBHOOK_DEDUP_WINDOW":   "",
		"WEBHOOK_MAX_ATTEMPTS":   "",
		"OPERATOR_RATE_LIMIT":    "",
		"SCHEDULER_LOCK_TTL":     "",
		"WEBHOOK_RETRY_INTERVAL": "",
	})
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, time.Hour, cfg.DedupWindow)
	require.Equal(t, 24*time.Hour, cfg.ReplayTTL)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, time.Minute, cfg.RetryInterval)
	require.Equal(t, "120-M", cfg.OperatorRateLimit)
	require.Equal(t, 5*time.Minute, cfg.SchedulerLockTTL)
	require.Equal(t, "migrations", cfg.MigrationsPath)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL":         "postgres://localhost/posbridge_test",
		"REDIS_URL":            "redis://localhost:6379/0",
		"PORT":                 "9090",
		"WEBHOOK_DEDUP_WINDOW": "30m",
		"WEBHOOK_MAX_ATTEMPTS": "2",
		"QUEUE_ENABLED":        "false",
		"MATCH_WINDOW_BEFORE":  "2h",
	})
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, 30*time.Minute, cfg.DedupWindow)
	require.Equal(t, 2, cfg.MaxAttempts)
	require.False(t, cfg.QueueEnabled)
	require.Equal(t, 2*time.Hour, cfg.MatchWindowBefore)
}

func TestLoadRequiresBackingServices(t *testing.T) {
	_, err := LoadForTests(map[string]string{
		"DATABASE_URL": "",
		"REDIS_URL":    "redis://localhost:6379/0",
	})
	require.Error(t, err)

	_, err = LoadForTests(map[string]string{
		"DATABASE_URL": "postgres://localhost/posbridge_test",
		"REDIS_URL":    "",
	})
	require.Error(t, err)
}

func TestMaxAttemptsFloor(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL":         "postgres://localhost/posbridge_test",
		"REDIS_URL":            "redis://localhost:6379/0",
		"WEBHOOK_MAX_ATTEMPTS": "0",
	})
	require.NoError(t, err)
	require.Equal(t, 1, cfg.MaxAttempts)
}
