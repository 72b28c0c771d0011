package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CSTP_HOST", "CSTP_PORT", "CSTP_DECISIONS_PATH", "CSTP_GUARDRAILS_PATHS",
		"CSTP_VECTOR_BACKEND", "CSTP_VECTOR_URL", "CSTP_VECTOR_COLLECTION",
		"CSTP_EMBEDDING_PROVIDER", "CSTP_EMBEDDING_MODEL", "OLLAMA_URL",
		"DATABASE_URL", "CSTP_AUTH_TOKENS", "CSTP_LOG_LEVEL",
		"CSTP_EMBEDDING_DIMENSIONS", "CSTP_TRACKER_TTL_SECONDS",
		"CSTP_REQUEST_TIMEOUT_SECONDS", "CSTP_HANDLER_BUDGET_SECONDS",
		"CSTP_WORKER_POOL_SIZE", "CSTP_REQUEST_QUEUE_SIZE",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.VectorBackend)
	assert.Equal(t, "memory", cfg.EmbeddingProvider)
	assert.Equal(t, 300, cfg.TrackerTTLSeconds)
	assert.Equal(t, 15, cfg.RequestTimeoutSeconds)
	assert.Empty(t, cfg.AuthTokens)
}

func TestLoadRejectsMalformedInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("CSTP_PORT", "not-a-number")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsQdrantWithoutURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("CSTP_VECTOR_BACKEND", "qdrant")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsMalformedAuthToken(t *testing.T) {
	clearEnv(t)
	t.Setenv("CSTP_AUTH_TOKENS", "no-colon-here")
	_, err := Load()
	require.Error(t, err)
}

func TestEnvStrSliceTrimsAndDrops(t *testing.T) {
	clearEnv(t)
	t.Setenv("CSTP_GUARDRAILS_PATHS", " ./a , ./b ,, ./c")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"./a", "./b", "./c"}, cfg.GuardrailsPaths)
}
