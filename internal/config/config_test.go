package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BROKER_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/triage")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultLLMBaseURL, cfg.LLMBaseURL)
	assert.Equal(t, DefaultLLMModel, cfg.LLMModel)
	assert.Equal(t, 120*time.Second, cfg.LLMRequestTimeout)
	assert.Equal(t, DefaultWorkerConcurrency(), cfg.WorkerConcurrency)
	assert.Equal(t, ".railway.internal", cfg.MeshDomainSuffix)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.StartupGrace)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LLM_BASE_URL", "http://llm.railway.internal:11434/v1/")
	t.Setenv("LLM_MODEL", "qwen2.5:14b")
	t.Setenv("LLM_REQUEST_TIMEOUT_MS", "45000")
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://llm.railway.internal:11434/v1", cfg.LLMBaseURL, "trailing slash is trimmed")
	assert.Equal(t, "qwen2.5:14b", cfg.LLMModel)
	assert.Equal(t, 45*time.Second, cfg.LLMRequestTimeout)
	assert.Equal(t, 3, cfg.WorkerConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingRequiredValues(t *testing.T) {
	t.Setenv("BROKER_URL", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadConfig)
	assert.Contains(t, err.Error(), "BROKER_URL")
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Config{
		LLMBaseURL:        "http://llm:8000/v1",
		LLMModel:          "m",
		LLMRequestTimeout: time.Second,
		WorkerConcurrency: 1,
		BrokerURL:         "redis://r",
		DatabaseURL:       "postgres://d",
		LogLevel:          "info",
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.LLMBaseURL = "not a url"
	assert.ErrorIs(t, bad.Validate(), ErrBadConfig)

	bad = base
	bad.WorkerConcurrency = 0
	assert.ErrorIs(t, bad.Validate(), ErrBadConfig)

	bad = base
	bad.LogLevel = "verbose"
	assert.ErrorIs(t, bad.Validate(), ErrBadConfig)

	bad = base
	bad.LLMRequestTimeout = 0
	assert.ErrorIs(t, bad.Validate(), ErrBadConfig)
}

func TestDefaultWorkerConcurrencyBounds(t *testing.T) {
	n := DefaultWorkerConcurrency()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 8)
}
