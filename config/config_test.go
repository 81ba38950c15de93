package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 10, cfg.QueueConcurrency)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 1000, cfg.RetryBackoffMs)
	require.Equal(t, 30000, cfg.JobTimeoutMs)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, 10000, cfg.Webhook.TimeoutMs)
	require.Equal(t, 5, cfg.Webhook.CircuitFailureThreshold)
	require.Equal(t, 10, cfg.Webhook.MaxConcurrent)
	require.Equal(t, 3, cfg.RequiredTrustLevel("high-risk"))
	require.Equal(t, 4, cfg.RequiredTrustLevel("admin-action"))
	require.False(t, cfg.Production())
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vorion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
queue_concurrency: 4
rate_limits:
  default:
    limit: 3
    window_seconds: 60
  tenants:
    t-vip:
      limit: 500
      window_seconds: 60
in_flight:
  default: 7
`), 0o600))
	t.Setenv("VORION_MAX_RETRIES", "5")
	t.Setenv("VORION_WEBHOOK_TIMEOUT_MS", "250")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Production())
	require.Equal(t, 4, cfg.QueueConcurrency)
	require.Equal(t, 5, cfg.MaxRetries)
	// Below the floor, clamped up.
	require.Equal(t, 1000, cfg.Webhook.TimeoutMs)
	require.Equal(t, 7, cfg.MaxInFlight("anyone"))
}

func TestRateResolutionOrder(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Rates.Tenants = map[string]config.Rate{"t1": {Limit: 9, WindowSeconds: 10}}

	require.Equal(t, 9, cfg.RateFor("t1", "high-risk").Limit)
	require.Equal(t, cfg.Rates.HighRisk, cfg.RateFor("t2", "high-risk"))
	require.Equal(t, cfg.Rates.DataExport, cfg.RateFor("t2", "data-export"))
	// Unknown types fall through to the default bucket.
	require.Equal(t, cfg.Rates.Default, cfg.RateFor("t2", "something-new"))
}

func TestMissingFileIsNotFatal(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
}
