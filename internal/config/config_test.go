package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CI_MODE", "")
	t.Setenv("TEST_TIMEOUT_SECONDS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.FastTestMode)
	assert.Equal(t, 60*time.Second, cfg.TestTimeout())
	assert.Equal(t, 300*time.Second, cfg.LockTTL())
	assert.Equal(t, 5*time.Second, cfg.IPWaitInterval())
	assert.Equal(t, 2, cfg.RouteRetries)
	assert.Equal(t, "memory", cfg.CacheBackend)
}

func TestWriteTimeoutOutlastsTunnelScoring(t *testing.T) {
	cfg := &Config{TestTimeoutSeconds: 60, RouteRetries: 2, RouteRetryCooldownSecond: 10}
	assert.Equal(t, 1795*time.Second, cfg.WriteTimeout())
	assert.Greater(t, cfg.WriteTimeout(), 3*(cfg.LockTTL()+cfg.TestTimeout()))

	fast := &Config{TestTimeoutSeconds: 10, RouteRetries: 1, RouteRetryCooldownSecond: 2}
	assert.Equal(t, 402500*time.Millisecond, fast.WriteTimeout())
}

func TestLoadFastTestMode(t *testing.T) {
	t.Setenv("CI_MODE", "true")
	t.Setenv("TEST_TIMEOUT_SECONDS", "")
	t.Setenv("ROUTE_RETRIES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.FastTestMode)
	assert.Equal(t, 10*time.Second, cfg.TestTimeout())
	assert.Equal(t, 1, cfg.RouteRetries)
	assert.Equal(t, 2*time.Second, cfg.RouteRetryCooldown())
}

func TestGetEnvStringSlice(t *testing.T) {
	t.Setenv("TRUSTED_VALIDATOR_IPS", " 1.2.3.4, ,5.6.7.8")
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, getEnvStringSlice("TRUSTED_VALIDATOR_IPS", nil))
	assert.Equal(t, []string{"x"}, getEnvStringSlice("UNSET_KEY_FOR_TEST", []string{"x"}))
}
