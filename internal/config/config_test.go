package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/recycle-exchange-api/internal/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("RECYCLE_JWT_SECRET", "secret")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "recycle", cfg.RealtimeChannel)
	require.Equal(t, 2*time.Second, cfg.NavigateDelay)
	require.Equal(t, 3, cfg.ReadRetryAttempts)
	require.Equal(t, 200*time.Millisecond, cfg.ReadRetryInterval)
	require.Equal(t, 30, cfg.MessagesPerMinute)
	require.Equal(t, time.UTC, cfg.ScheduleLocation)
}

func TestLoadReadsPrefixedEnvironment(t *testing.T) {
	t.Setenv("RECYCLE_JWT_SECRET", "secret")
	t.Setenv("RECYCLE_APP_PORT", ":9090")
	t.Setenv("RECYCLE_SESSION_NAVIGATE_DELAY", "500ms")
	t.Setenv("RECYCLE_SCHEDULE_TIMEZONE", "Asia/Manila")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, 500*time.Millisecond, cfg.NavigateDelay)
	require.Equal(t, "Asia/Manila", cfg.ScheduleLocation.String())
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("RECYCLE_JWT_SECRET", "")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("RECYCLE_JWT_SECRET", "secret")
	t.Setenv("RECYCLE_SCHEDULE_TIMEZONE", "Mars/Olympus")

	_, err := config.Load()
	require.Error(t, err)
}
