package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
	assert.Equal(t, 10*time.Second, cfg.CompensationInterval)
	assert.Equal(t, 3, cfg.TaskMaxAttempts)
	assert.Equal(t, 3, cfg.CompensationMaxAttempts)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 5, cfg.Prefetch)
	assert.Equal(t, 5*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 10*time.Minute, cfg.StaleClaimAfter())
	assert.Empty(t, cfg.WorkflowsFile)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_URL", "postgres://u:p@db:5432/x")
	t.Setenv("RETRY_INTERVAL", "2s")
	t.Setenv("TASK_MAX_ATTEMPTS", "5")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("TASK_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.DBURL)
	assert.Equal(t, 2*time.Second, cfg.RetryInterval)
	assert.Equal(t, 5, cfg.TaskMaxAttempts)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.TaskTimeout)
	assert.Equal(t, time.Minute, cfg.StaleClaimAfter())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sagaflow.yaml")
	content := "api_port: \"9090\"\ncompensation_interval: 30s\nworkflows_file: ./workflows.yaml\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, 30*time.Second, cfg.CompensationInterval)
	assert.Equal(t, "./workflows.yaml", cfg.WorkflowsFile)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RETRY_INTERVAL", "100ms")
	t.Setenv("PREFETCH", "0")
	t.Setenv("TASK_TIMEOUT", "0s")

	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "retry_interval")
	assert.ErrorContains(t, err, "prefetch")
	assert.ErrorContains(t, err, "task_timeout")
}

func TestAddr(t *testing.T) {
	assert.Equal(t, ":8080", Addr("8080"))
	assert.Equal(t, ":8080", Addr(":8080"))
}
