package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HYDROGEN_HOST", "HYDROGEN_PORT", "HYDROGEN_TOKEN", "HYDROGEN_USER_ID",
		"HYDROGEN_DEVICE_ID", "HYDROGEN_RECONNECT_INTERVAL", "HYDROGEN_MAX_RECONNECT_ATTEMPTS",
		"HYDROGEN_DEFAULT_QOS", "HYDROGEN_MAX_RETRIES", "HYDROGEN_RETRY_INTERVAL",
		"HYDROGEN_WORKER_POOL_SIZE", "HYDROGEN_RESPONSE_TIMEOUT", "HYDROGEN_DEV",
		"HYDROGEN_LOG_LEVEL", "HYDROGEN_METRICS_ADDR",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(false)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 7880, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 0, cfg.MaxReconnectAttempts)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.False(t, cfg.Dev)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("HYDROGEN_HOST", "scope.local"))
	require.NoError(t, os.Setenv("HYDROGEN_PORT", "9001"))
	defer clearEnv(t)

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, "scope.local", cfg.Host)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "ws://scope.local:9001/ws", cfg.WebSocketURL())
}

func TestLoadDevForcesDevFlag(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(true)
	require.NoError(t, err)
	assert.True(t, cfg.Dev)
}
