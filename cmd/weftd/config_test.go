package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfig()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 24*time.Hour, time.Duration(cfg.DedupTTL))
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("WEFT_DB_PATH", "/tmp/custom.db")
	t.Setenv("WEFT_LOG_LEVEL", "debug")
	t.Setenv("WEFT_POOL_SIZE", "32")
	t.Setenv("WEFT_DEDUP_TTL", "1h")
	t.Setenv("WEFT_WORKFLOWS_DIR", "/etc/weft/workflows")
	t.Setenv("WEFT_ARTIFACT_ENDPOINT", "minio:9000")
	t.Setenv("WEFT_ARTIFACT_USE_SSL", "1")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 32, cfg.PoolSize)
	assert.Equal(t, time.Hour, time.Duration(cfg.DedupTTL))
	assert.Equal(t, "/etc/weft/workflows", cfg.WorkflowsDir)
	assert.Equal(t, "minio:9000", cfg.Artifact.Endpoint)
	assert.True(t, cfg.Artifact.UseSSL)
}

func TestLoadConfig_BadEnvIgnored(t *testing.T) {
	t.Setenv("WEFT_POOL_SIZE", "lots")
	t.Setenv("WEFT_DEDUP_TTL", "soon")

	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 24*time.Hour, time.Duration(cfg.DedupTTL))
}
