// Package config loads and validates application configuration from
// environment variables, following the same collect-then-validate shape the
// rest of this codebase's ambient tooling uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all cstpd configuration. Every field has exactly one effect,
// per §6.
type Config struct {
	// Server bind settings.
	Host string
	Port int

	// Persistence.
	DecisionsPath   string   // root for file/sqlite-backed decision persistence
	GuardrailsPaths []string // directories scanned for guardrail rule YAML

	// Vector backend selector.
	VectorBackend   string // "memory", "qdrant", or "pgvector"
	VectorURL       string
	VectorCollection string

	// Embedding selector.
	EmbeddingProvider string // "memory", "ollama"
	EmbeddingModel    string
	OllamaURL         string
	EmbeddingDimensions int

	// Postgres, used by the postgres decisionstore/pgvector vectorstore backends.
	DatabaseURL string

	// Auth: agent-id:token pairs, comma-separated (CSTP_AUTH_TOKENS).
	AuthTokens []string

	// Session-resumption JWT. Empty paths generate an ephemeral Ed25519 key
	// pair (dev only — sessions do not survive a restart).
	JWTPrivateKeyPath    string
	JWTPublicKeyPath     string
	JWTExpirationSeconds int

	LogLevel string

	TrackerTTLSeconds     int
	RequestTimeoutSeconds int

	// Ambient additions beyond the wire spec: dispatcher resource limits.
	HandlerBudgetSeconds int
	WorkerPoolSize       int
	RequestQueueSize     int

	// OTEL.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults. Missing variables use defaults; malformed values, and settings
// that Validate finds out of range or inconsistent, are rejected.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		Host:              envStr("CSTP_HOST", "0.0.0.0"),
		DecisionsPath:     envStr("CSTP_DECISIONS_PATH", "./data/decisions"),
		GuardrailsPaths:   envStrSlice("CSTP_GUARDRAILS_PATHS", []string{"./guardrails"}),
		VectorBackend:     envStr("CSTP_VECTOR_BACKEND", "memory"),
		VectorURL:         envStr("CSTP_VECTOR_URL", ""),
		VectorCollection:  envStr("CSTP_VECTOR_COLLECTION", "cstp_decisions"),
		EmbeddingProvider: envStr("CSTP_EMBEDDING_PROVIDER", "memory"),
		EmbeddingModel:    envStr("CSTP_EMBEDDING_MODEL", "mxbai-embed-large"),
		OllamaURL:         envStr("OLLAMA_URL", "http://localhost:11434"),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		AuthTokens:        envStrSlice("CSTP_AUTH_TOKENS", nil),
		JWTPrivateKeyPath: envStr("CSTP_JWT_PRIVATE_KEY_PATH", ""),
		JWTPublicKeyPath:  envStr("CSTP_JWT_PUBLIC_KEY_PATH", ""),
		LogLevel:          envStr("CSTP_LOG_LEVEL", "info"),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "cstpd"),
	}

	cfg.Port, errs = collectInt(errs, "CSTP_PORT", 8080)
	cfg.EmbeddingDimensions, errs = collectInt(errs, "CSTP_EMBEDDING_DIMENSIONS", 1024)
	cfg.TrackerTTLSeconds, errs = collectInt(errs, "CSTP_TRACKER_TTL_SECONDS", 300)
	cfg.RequestTimeoutSeconds, errs = collectInt(errs, "CSTP_REQUEST_TIMEOUT_SECONDS", 15)
	cfg.HandlerBudgetSeconds, errs = collectInt(errs, "CSTP_HANDLER_BUDGET_SECONDS", 15)
	cfg.WorkerPoolSize, errs = collectInt(errs, "CSTP_WORKER_POOL_SIZE", 32)
	cfg.RequestQueueSize, errs = collectInt(errs, "CSTP_REQUEST_QUEUE_SIZE", 256)
	cfg.JWTExpirationSeconds, errs = collectInt(errs, "CSTP_JWT_EXPIRATION_SECONDS", 3600)

	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("config: CSTP_PORT must be between 1 and 65535"))
	}
	if c.DecisionsPath == "" {
		errs = append(errs, errors.New("config: CSTP_DECISIONS_PATH is required"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("config: CSTP_EMBEDDING_DIMENSIONS must be positive"))
	}
	if c.TrackerTTLSeconds <= 0 {
		errs = append(errs, errors.New("config: CSTP_TRACKER_TTL_SECONDS must be positive"))
	}
	if c.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("config: CSTP_REQUEST_TIMEOUT_SECONDS must be positive"))
	}
	if c.HandlerBudgetSeconds <= 0 {
		errs = append(errs, errors.New("config: CSTP_HANDLER_BUDGET_SECONDS must be positive"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("config: CSTP_WORKER_POOL_SIZE must be positive"))
	}
	if c.RequestQueueSize <= 0 {
		errs = append(errs, errors.New("config: CSTP_REQUEST_QUEUE_SIZE must be positive"))
	}
	if c.JWTExpirationSeconds <= 0 {
		errs = append(errs, errors.New("config: CSTP_JWT_EXPIRATION_SECONDS must be positive"))
	}
	switch c.VectorBackend {
	case "memory", "qdrant", "pgvector":
	default:
		errs = append(errs, fmt.Errorf("config: CSTP_VECTOR_BACKEND %q must be memory, qdrant, or pgvector", c.VectorBackend))
	}
	if c.VectorBackend == "qdrant" && c.VectorURL == "" {
		errs = append(errs, errors.New("config: CSTP_VECTOR_URL is required when CSTP_VECTOR_BACKEND=qdrant"))
	}
	if c.VectorBackend == "pgvector" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required when CSTP_VECTOR_BACKEND=pgvector"))
	}
	switch c.EmbeddingProvider {
	case "memory", "ollama":
	default:
		errs = append(errs, fmt.Errorf("config: CSTP_EMBEDDING_PROVIDER %q must be memory or ollama", c.EmbeddingProvider))
	}
	for _, pair := range c.AuthTokens {
		if !strings.Contains(pair, ":") {
			errs = append(errs, fmt.Errorf("config: CSTP_AUTH_TOKENS entry %q must be agent:token", pair))
		}
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

// envStrSlice reads a comma-separated env var into a string slice. Returns
// fallback if the env var is empty or unset.
func envStrSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
