package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all process-level runtime settings. Per-app behavior lives
// in the registry's YAML files, not here.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	LogLevel  string
	LogFormat string

	AppConfigDir string

	AllowAnyOrigin bool

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	EmbeddingBaseURL string
	EmbeddingAPIKey  string
	EmbeddingModel   string

	CompletionBaseURL string
	CompletionAPIKey  string
	CompletionModel   string

	ExternalCallTimeout time.Duration
	RetryMaxAttempts    int
	RetryBackoffBase    time.Duration
	RetryBackoffCap     time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "kaiwa"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "console"),
		AppConfigDir:     envOrDefault("APP_CONFIG_DIR", "config"),
		AllowAnyOrigin:   false,

		EmbeddingBaseURL: envOrDefault("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:  trimmedEnv("EMBEDDING_API_KEY"),
		EmbeddingModel:   envOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),

		CompletionBaseURL: envOrDefault("COMPLETION_BASE_URL", "https://api.openai.com/v1"),
		CompletionAPIKey:  trimmedEnv("COMPLETION_API_KEY"),
		CompletionModel:   envOrDefault("COMPLETION_MODEL", "gpt-4o-mini"),

		DatabaseURL: trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:      15 * time.Second,
		SessionIdleTimeout:   30 * time.Minute,
		SessionSweepInterval: time.Minute,
		ExternalCallTimeout:  30 * time.Second,
		RetryMaxAttempts:     3,
		RetryBackoffBase:     200 * time.Millisecond,
		RetryBackoffCap:      5 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("APP_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ExternalCallTimeout, err = durationFromEnv("EXTERNAL_CALL_TIMEOUT", cfg.ExternalCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoffBase, err = durationFromEnv("RETRY_BACKOFF_BASE", cfg.RetryBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoffCap, err = durationFromEnv("RETRY_BACKOFF_CAP", cfg.RetryBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryMaxAttempts, err = intFromEnv("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.RetryMaxAttempts < 1 {
		return Config{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be positive, got %s", cfg.SessionIdleTimeout)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: unrecognized boolean %q", key, v)
	}
}
