package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maryamyalansari-spec/onboarding-platform/api"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/auth"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/config"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/engine"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/index"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/mcp"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/ratelimit"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/resolver"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/server"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/service/embedding"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/storage"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/telemetry"
	"github.com/maryamyalansari-spec/onboarding-platform/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CONFLICT_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("conflictd starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify the schema landed. If the pgvector extension failed to create,
	// the migration fails silently on some managed platforms and the server
	// would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'conflict_runs')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("table 'conflict_runs' does not exist after migration, check that the vector extension is available")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Vector index: Qdrant when configured, otherwise the in-process HNSW
	// graph, optionally persisted through a local snapshot.
	idx, err := newIndex(ctx, cfg, embedder.Dimensions(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	eng := engine.New(db, embedder, idx, logger, engine.Options{
		Thresholds:      resolver.Thresholds{High: cfg.ThresholdHigh, Mid: cfg.ThresholdMid},
		TopK:            cfg.TopK,
		RetryCap:        cfg.RetryCap,
		RetryBase:       cfg.RetryBase,
		EmbedTimeout:    cfg.EmbedTimeout,
		QueryTimeout:    cfg.QueryTimeout,
		BackfillWorkers: cfg.BackfillWorkers,
	})

	// Rebuild the index from persisted embeddings. Non-fatal: a partly
	// rebuilt index degrades verdicts, it does not block intake.
	if n, err := eng.Backfill(ctx); err != nil {
		logger.Warn("index backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("index backfill complete", "count", n)
	}

	// Periodic compaction for the in-process index.
	index.StartCompactor(ctx, idx, cfg.CompactInterval)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	staffKeys := make([]server.StaffKey, 0, len(cfg.StaffKeys))
	for _, k := range cfg.StaffKeys {
		staffKeys = append(staffKeys, server.StaffKey{
			KeyHash: k.KeyHash,
			StaffID: k.StaffID,
			FirmID:  k.FirmID,
			Role:    auth.Role(k.Role),
		})
	}
	if len(staffKeys) == 0 {
		logger.Warn("no staff keys configured, /auth/token will reject every request")
	}

	mcpSrv := mcp.New(db, eng, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Engine:              eng,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		StaffKeys:           staffKeys,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Stop accepting HTTP first so no new runs start,
	// then wait for in-flight runs to reach a terminal state before the
	// index and pool close under them.
	slog.Info("conflictd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	eng.Close()

	slog.Info("conflictd stopped")
	return nil
}

// newIndex selects and initializes the vector index backend.
func newIndex(ctx context.Context, cfg config.Config, dims int, logger *slog.Logger) (index.Index, error) {
	if cfg.QdrantURL != "" {
		q, err := index.NewQdrantIndex(index.QdrantConfig{
			URL:        cfg.QdrantURL,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(dims), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := q.EnsureCollection(ctx); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("index: qdrant", "collection", cfg.QdrantCollection)
		return q, nil
	}

	hnsw := index.NewHNSW(index.HNSWOptions{}, logger)
	if cfg.SnapshotPath == "" {
		logger.Info("index: in-memory hnsw (no snapshot, rebuilt from postgres on restart)")
		return hnsw, nil
	}

	snap, err := index.OpenSnapshot(cfg.SnapshotPath, logger)
	if err != nil {
		return nil, fmt.Errorf("index snapshot: %w", err)
	}
	persistent, err := index.NewPersistent(ctx, hnsw, snap, logger)
	if err != nil {
		_ = snap.Close()
		return nil, err
	}
	logger.Info("index: hnsw with snapshot", "path", cfg.SnapshotPath)
	return persistent, nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when CONFLICT_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (duplicate detection disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		// Auto-detect: prefer Ollama (on-premises, no cost), then OpenAI, else noop.
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
		}
		logger.Warn("no embedding provider available, using noop (duplicate detection disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
