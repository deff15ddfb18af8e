package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Warehouse)
	assert.Equal(t, "memory", cfg.Queue.Kind)
	assert.Equal(t, 100.0, cfg.Processing.CadenceMs)
	assert.Equal(t, 1000.0, cfg.Devices.AggregationWindowMs)
	assert.NotZero(t, cfg.Webhooks.MaxAttempts)
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := writeFile(t, "neuroloop.yaml", `
server:
  port: "9090"
  env: production
processing:
  cadence_ms: 250
storage:
  warehouse: postgres
  postgres_dsn: postgres://localhost/neuroloop
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, 250.0, cfg.Processing.CadenceMs)
	assert.Equal(t, "postgres", cfg.Storage.Warehouse)

	// Untouched sections keep their defaults.
	assert.Equal(t, "memory", cfg.Queue.Kind)
	assert.Equal(t, 10, cfg.Devices.PairingTTLMinutes)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/neuroloop.yaml")
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server: [not, a, mapping")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeFile(t, "neuroloop.yaml", `
server:
  port: "9090"
storage:
  redis_addr: file-redis:6379
`)

	t.Setenv("PORT", "7070")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	t.Setenv("NEUROLOOP_WEBHOOK_SECRET", "whsec-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "env-redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, "https://proj.supabase.co", cfg.Storage.SupabaseURL)
	assert.Equal(t, "whsec-test", cfg.Webhooks.SigningSecret)
}

func TestManagerResolvesBuiltinProfiles(t *testing.T) {
	mgr, err := NewManager("", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"clinical", "consumer", "research"}, mgr.Profiles())

	clinical := mgr.Get("clinical")
	assert.True(t, clinical.Ledger.VerifyOnStart)
	assert.Equal(t, 50, clinical.Monitoring.LatencyAlertMs)
	assert.Equal(t, 2.0, clinical.Quality.CheckIntervalSeconds)
	// Sections the profile does not override come from the base.
	assert.Equal(t, "8080", clinical.Server.Port)
	assert.Equal(t, "memory", clinical.Storage.Warehouse)

	consumer := mgr.Get("consumer")
	assert.Equal(t, 60.0, consumer.Quality.LineFreqHz)
	assert.False(t, consumer.Ledger.VerifyOnStart)

	research := mgr.Get("research")
	assert.Equal(t, 2000.0, research.Devices.AggregationWindowMs)

	// Unknown profile resolves to the base.
	base := mgr.Get("nope")
	assert.Equal(t, 100.0, base.Processing.CadenceMs)
	assert.Equal(t, 250, base.Monitoring.LatencyAlertMs)
}

func TestManagerLoadsProfileFile(t *testing.T) {
	profilesPath := writeFile(t, "profiles.yaml", `
profiles:
  icu:
    monitoring:
      enable_live_stream: true
      latency_alert_ms: 25
  clinical:
    monitoring:
      latency_alert_ms: 75
`)

	mgr, err := NewManager("", profilesPath)
	require.NoError(t, err)

	assert.Contains(t, mgr.Profiles(), "icu")
	assert.Equal(t, 25, mgr.Get("icu").Monitoring.LatencyAlertMs)

	// A file profile replaces the builtin of the same name outright.
	clinical := mgr.Get("clinical")
	assert.Equal(t, 75, clinical.Monitoring.LatencyAlertMs)
	assert.False(t, clinical.Ledger.VerifyOnStart)
}
