package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTPListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8, cfg.MaxConcurrentPipelines)
	assert.Equal(t, 10*time.Second, cfg.LockTimeout)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_MAX_CONCURRENT", "3")
	t.Setenv("PIPELINE_LOCK_TIMEOUT", "250ms")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrentPipelines)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PIPELINE_MAX_CONCURRENT", "not-a-number")
	t.Setenv("PIPELINE_LOCK_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxConcurrentPipelines)
	assert.Equal(t, 30*time.Minute, cfg.LockTTL)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	cfg.HTTPListenAddr = ""
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.MaxConcurrentPipelines = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.LockTimeout = 0
	assert.Error(t, cfg.Validate())
}
