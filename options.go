package clearstone

import (
	"log/slog"
	"time"
)

// Option configures a Provider.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	databasePath      string
	checkpointDir     string
	spanBufferSize    int
	spanFlushInterval time.Duration
	logger            *slog.Logger
	version           string
}

// WithDatabaseURL overrides the Postgres connection string from config
// (CLEARSTONE_DATABASE_URL env var). When set, Postgres is used instead of
// the embedded SQLite store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithDatabasePath overrides the SQLite database file path from config
// (CLEARSTONE_DB_PATH env var). Ignored when a database URL is set.
func WithDatabasePath(path string) Option {
	return func(o *resolvedOptions) { o.databasePath = path }
}

// WithCheckpointDir overrides the checkpoint directory from config
// (CLEARSTONE_CHECKPOINT_DIR env var).
func WithCheckpointDir(dir string) Option {
	return func(o *resolvedOptions) { o.checkpointDir = dir }
}

// WithSpanBufferSize overrides the flush batch size from config
// (CLEARSTONE_SPAN_BUFFER_SIZE env var).
func WithSpanBufferSize(n int) Option {
	return func(o *resolvedOptions) { o.spanBufferSize = n }
}

// WithSpanFlushInterval overrides the buffer flush interval from config
// (CLEARSTONE_SPAN_FLUSH_INTERVAL env var).
func WithSpanFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.spanFlushInterval = d }
}

// WithLogger sets the structured logger for the Provider.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string stamped into spans and checkpoints.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
