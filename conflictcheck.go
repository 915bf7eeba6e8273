// Package conflictcheck is the public API for embedding the conflict check
// server.
//
// Platform and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := conflictcheck.New(
//	    conflictcheck.WithVersion(version),
//	    conflictcheck.WithLogger(logger),
//	    conflictcheck.WithVerdictHook(myIntakeNotifier{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: conflictcheck (root)
// imports internal/*, but internal/* never imports conflictcheck (root).
// Public types (Run, Candidate, etc.) are standalone structs with no
// internal imports; conversion helpers (toPublicRun, toPublicCandidate)
// live here because this is the only file that sees both sides of the
// boundary.
package conflictcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/maryamyalansari-spec/onboarding-platform/api"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/auth"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/config"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/engine"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/index"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/mcp"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/ratelimit"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/resolver"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/server"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/service/embedding"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/storage"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/telemetry"
	"github.com/maryamyalansari-spec/onboarding-platform/migrations"

	"github.com/google/uuid"
)

// App is the conflict check server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	eng          *engine.Engine
	idx          index.Index
	limiter      *ratelimit.MemoryLimiter // nil when rate limiting is disabled
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the conflict check server. It connects to the database,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Read configuration (env vars), apply option overrides, then validate.
	cfg, err := config.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.thresholdHigh != 0 {
		cfg.ThresholdHigh = o.thresholdHigh
	}
	if o.thresholdMid != 0 {
		cfg.ThresholdMid = o.thresholdMid
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("conflictcheck starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database and apply migrations.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Verify the schema landed. If the pgvector extension failed to create,
	// the migration fails silently on some managed platforms and the server
	// would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'conflict_runs')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("table 'conflict_runs' does not exist after migration, check that the vector extension is available")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = embedding.NewPublicProviderAdapter(o.embeddingProvider)
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Vector index — external override takes priority over Qdrant/HNSW.
	var idx index.Index
	if o.vectorIndex != nil {
		idx = &vectorIndexAdapter{idx: o.vectorIndex}
	} else {
		idx, err = newIndex(context.Background(), cfg, embedder.Dimensions(), logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	engineOpts := engine.Options{
		Thresholds:      resolver.Thresholds{High: cfg.ThresholdHigh, Mid: cfg.ThresholdMid},
		TopK:            cfg.TopK,
		RetryCap:        cfg.RetryCap,
		RetryBase:       cfg.RetryBase,
		EmbedTimeout:    cfg.EmbedTimeout,
		QueryTimeout:    cfg.QueryTimeout,
		BackfillWorkers: cfg.BackfillWorkers,
	}
	if len(o.verdictHooks) > 0 {
		hooks := o.verdictHooks
		engineOpts.OnTerminal = func(run model.ConflictCheckRun) {
			pub := toPublicRun(run)
			for _, h := range hooks {
				h.OnRunTerminal(pub)
			}
		}
	}
	eng := engine.New(db, embedder, idx, logger, engineOpts)

	// Rebuild the index from persisted embeddings. Non-fatal: a partly
	// rebuilt index degrades verdicts, it does not block intake.
	if n, err := eng.Backfill(context.Background()); err != nil {
		logger.Warn("index backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("index backfill complete", "count", n)
	}

	var limiter ratelimit.Limiter
	var memLimiter *ratelimit.MemoryLimiter
	if cfg.RateLimitRPS > 0 {
		memLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Staff keys: config first, then option-registered keys.
	staffKeys := make([]server.StaffKey, 0, len(cfg.StaffKeys)+len(o.staffKeys))
	for _, k := range cfg.StaffKeys {
		staffKeys = append(staffKeys, server.StaffKey{
			KeyHash: k.KeyHash,
			StaffID: k.StaffID,
			FirmID:  k.FirmID,
			Role:    auth.Role(k.Role),
		})
	}
	for _, k := range o.staffKeys {
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

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		eng:          eng,
		idx:          idx,
		limiter:      memLimiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the compactor and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Periodic compaction for the in-process index.
	index.StartCompactor(ctx, a.idx, a.cfg.CompactInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests first
// so no new runs start, wait for in-flight runs to reach a terminal state,
// then release the index, limiter, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("conflictcheck shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.eng.Close()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.idx.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("conflictcheck stopped")
	return nil
}

// Handler returns the server's HTTP handler with the full middleware chain.
// Intended for tests and for mounting the App inside a larger mux.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// ── Adapters (defined here because this file imports both sides) ──────────────

// vectorIndexAdapter wraps a conflictcheck.VectorIndex to satisfy index.Index.
type vectorIndexAdapter struct {
	idx VectorIndex
}

func (a *vectorIndexAdapter) Upsert(ctx context.Context, e index.Entry) error {
	return a.idx.Upsert(ctx, IndexEntry{
		EntityID: e.EntityID,
		FirmID:   e.FirmID,
		Vector:   e.Vector,
		Active:   e.Active,
	})
}

func (a *vectorIndexAdapter) Remove(ctx context.Context, entityID uuid.UUID) error {
	return a.idx.Remove(ctx, entityID)
}

func (a *vectorIndexAdapter) QueryTopK(ctx context.Context, vector []float32, k int, firmID uuid.UUID) ([]index.Result, error) {
	results, err := a.idx.QueryTopK(ctx, vector, k, firmID)
	if err != nil {
		return nil, err
	}
	out := make([]index.Result, len(results))
	for i, r := range results {
		out[i] = index.Result{EntityID: r.EntityID, Similarity: r.Similarity}
	}
	return out, nil
}

// Count is diagnostic only; external indexes are not required to report it.
func (a *vectorIndexAdapter) Count(ctx context.Context, firmID uuid.UUID) (int, error) {
	return 0, nil
}

func (a *vectorIndexAdapter) Close() error {
	return a.idx.Close()
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicRun converts an internal model.ConflictCheckRun to the public
// conflictcheck.Run. Lives here because this is the only file that imports
// both sides of the boundary.
func toPublicRun(r model.ConflictCheckRun) Run {
	verdict := ""
	if r.Verdict != nil {
		verdict = string(*r.Verdict)
	}
	candidates := make([]Candidate, len(r.Candidates))
	for i, c := range r.Candidates {
		candidates[i] = Candidate{
			MatchedEntityID: c.MatchedEntityID,
			SimilarityScore: c.SimilarityScore,
			ThresholdTier:   string(c.ThresholdTier),
			CollapsedFrom:   c.CollapsedFrom,
		}
	}
	return Run{
		RunID:           r.RunID,
		SubjectEntityID: r.SubjectEntityID,
		FirmID:          r.FirmID,
		Trigger:         string(r.Trigger),
		Status:          string(r.Status),
		Verdict:         verdict,
		Candidates:      candidates,
		FailureReason:   r.FailureReason,
		InputHash:       r.InputHash,
		RetryCount:      r.RetryCount,
		Stale:           r.Stale,
		Inapplicable:    r.Inapplicable,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// ── Helpers (shared with cmd/conflictd/main.go, duplicated so the binary
// does not import the root package) ───────────────────────────────────────────

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
		// Prefer Ollama (on-premises, no cost), then OpenAI, else noop.
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
