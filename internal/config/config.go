// Package config loads and validates library configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tracing pipeline configuration.
type Config struct {
	// Storage settings. DatabaseURL selects the Postgres backend when set;
	// otherwise DatabasePath selects the embedded SQLite backend.
	DatabasePath string
	DatabaseURL  string

	// Checkpoint settings.
	CheckpointDir string

	// Buffer settings.
	SpanBufferSize    int
	SpanFlushInterval time.Duration

	// Snapshot settings.
	MaxSnapshotBytes int

	// OTEL settings for the pipeline's own telemetry.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabasePath:      envStr("CLEARSTONE_DB_PATH", "clearstone_traces.db"),
		DatabaseURL:       envStr("CLEARSTONE_DATABASE_URL", ""),
		CheckpointDir:     envStr("CLEARSTONE_CHECKPOINT_DIR", ".clearstone_checkpoints"),
		SpanBufferSize:    envInt("CLEARSTONE_SPAN_BUFFER_SIZE", 100),
		SpanFlushInterval: envDuration("CLEARSTONE_SPAN_FLUSH_INTERVAL", 5*time.Second),
		MaxSnapshotBytes:  envInt("CLEARSTONE_MAX_SNAPSHOT_BYTES", 1<<20),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "clearstone"),
		LogLevel:          envStr("CLEARSTONE_LOG_LEVEL", "info"),
	}

	if cfg.SpanBufferSize <= 0 {
		return Config{}, fmt.Errorf("config: CLEARSTONE_SPAN_BUFFER_SIZE must be positive, got %d", cfg.SpanBufferSize)
	}
	if cfg.SpanFlushInterval <= 0 {
		return Config{}, fmt.Errorf("config: CLEARSTONE_SPAN_FLUSH_INTERVAL must be positive, got %s", cfg.SpanFlushInterval)
	}
	if cfg.MaxSnapshotBytes <= 0 {
		return Config{}, fmt.Errorf("config: CLEARSTONE_MAX_SNAPSHOT_BYTES must be positive, got %d", cfg.MaxSnapshotBytes)
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
