package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronolab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: lab
models: catalog/models.yaml
gateway:
  max_retries: 1
  backoff_base: 10ms
guard:
  window: 30s
  session_cost_limit_usd: 2.5
orchestrator:
  max_concurrent_steps: 8
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "lab", cfg.Name)
	require.Equal(t, "catalog/models.yaml", cfg.Models)
	require.Equal(t, 1, cfg.Gateway.MaxRetries)
	require.Equal(t, 10*time.Millisecond, Duration(cfg.Gateway.BackoffBase))
	require.Equal(t, 30*time.Second, Duration(cfg.Guard.Window))
	require.InDelta(t, 2.5, cfg.Guard.SessionCostLimitUSD, 1e-9)
	require.Equal(t, 8, cfg.Orchestrator.MaxConcurrentSteps)
	require.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep defaults.
	require.Equal(t, "5s", cfg.Gateway.BackoffCap)
	require.Equal(t, 256, cfg.Sandbox.MemoryLimitMB)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
sandbox:
  timeout: soon
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sandbox.timeout")
}

func TestLoadRejectsBadLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: loud
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.MaxConcurrentSteps = 0
	require.Error(t, cfg.Validate())
}
