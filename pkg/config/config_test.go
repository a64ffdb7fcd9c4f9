package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Workspace.Root)
	assert.Equal(t, 2*time.Hour, cfg.Workspace.LockMaxAge)
	assert.Equal(t, 30*time.Second, cfg.Workspace.KillGrace)
	assert.Equal(t, int64(10<<30), cfg.Cache.BudgetBytes)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, int64(2048), cfg.Resources.MinFreeMemoryMB)
	assert.Equal(t, int64(5), cfg.Resources.MinFreeDiskGB)
	assert.Equal(t, 90.0, cfg.Resources.MaxCPUPercent)
	assert.Equal(t, "standard", cfg.Resilience.Level)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("FORGEBUILD_WORKSPACE", "/builds/app")
	t.Setenv("FORGEBUILD_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("FORGEBUILD_RESILIENCE_LEVEL", "aggressive")
	t.Setenv("FORGEBUILD_LOCK_MAX_AGE", "1h")
	t.Setenv("FORGEBUILD_CACHE_BUDGET_BYTES", "1048576")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/builds/app", cfg.Workspace.Root)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "aggressive", cfg.Resilience.Level)
	assert.Equal(t, time.Hour, cfg.Workspace.LockMaxAge)
	assert.Equal(t, int64(1048576), cfg.Cache.BudgetBytes)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("FORGEBUILD_RETRY_MAX_ATTEMPTS", "many")
	t.Setenv("FORGEBUILD_LOCK_MAX_AGE", "sometime")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Hour, cfg.Workspace.LockMaxAge)
}

func TestLoad_RejectsUnknownLevel(t *testing.T) {
	t.Setenv("FORGEBUILD_RESILIENCE_LEVEL", "extreme")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Cache.BudgetBytes = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Workspace.Root = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_Paths(t *testing.T) {
	t.Setenv("FORGEBUILD_WORKSPACE", "/builds/app")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/builds/app", ".forgebuild"), cfg.DotDir())
	assert.Equal(t, filepath.Join("/builds/app", ".forgebuild", "cache"), cfg.CacheDir())
	assert.Equal(t, filepath.Join("/builds/app", ".forgebuild", "optimization", "build_performance_history.json"), cfg.HistoryPath())
	assert.Equal(t, filepath.Join("/builds/app", ".forgebuild", "isolation", "build_lock"), cfg.LockPath())
}
