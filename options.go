package conflictcheck

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	vectorIndex       VectorIndex
	staffKeys         []StaffKey
	thresholdHigh     float64
	thresholdMid      float64
	verdictHooks      []VerdictHook
}

// WithPort overrides the TCP port from config (CONFLICT_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/OpenAI/noop).
// The provided implementation must satisfy the EmbeddingProvider interface.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithVectorIndex replaces the built-in vector index (Qdrant or in-process HNSW).
// Only the last call wins. The engine routes all upserts, removals, and
// candidate queries through the provided implementation.
func WithVectorIndex(idx VectorIndex) Option {
	return func(o *resolvedOptions) { o.vectorIndex = idx }
}

// WithStaffKey registers an additional staff API key alongside any configured
// via CONFLICT_STAFF_KEYS. Multiple keys may be registered.
func WithStaffKey(key StaffKey) Option {
	return func(o *resolvedOptions) { o.staffKeys = append(o.staffKeys, key) }
}

// WithThresholds overrides the similarity thresholds from config.
// high is the score at or above which a candidate forces a flagged verdict;
// mid is the floor for review-band candidates. Requires 0 < mid < high <= 1.
func WithThresholds(high, mid float64) Option {
	return func(o *resolvedOptions) {
		o.thresholdHigh = high
		o.thresholdMid = mid
	}
}

// WithVerdictHook registers a hook to receive every conflict check run that
// reaches a terminal state. Multiple hooks may be registered; all registered
// hooks receive every run.
func WithVerdictHook(hook VerdictHook) Option {
	return func(o *resolvedOptions) { o.verdictHooks = append(o.verdictHooks, hook) }
}
