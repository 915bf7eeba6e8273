package conflictcheck

import (
	"context"

	"github.com/google/uuid"
)

// EmbeddingProvider generates vector embeddings from party name text.
// When provided via WithEmbeddingProvider, replaces auto-detected
// Ollama/OpenAI/noop. Uses []float32 (not pgvector.Vector) to avoid forcing
// the pgvector dependency on external consumers; New() wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// VectorIndex is a firm-scoped ANN index over party vectors.
// When provided via WithVectorIndex, replaces both the in-process HNSW graph
// and the optional Qdrant backend. Implementations must be safe for
// concurrent use and must hold at most one live vector per entity.
type VectorIndex interface {
	Upsert(ctx context.Context, e IndexEntry) error
	Remove(ctx context.Context, entityID uuid.UUID) error
	QueryTopK(ctx context.Context, vector []float32, k int, firmID uuid.UUID) ([]IndexResult, error)
	Close() error
}

// VerdictHook receives every run that reaches a terminal state, after its
// row and audit entry commit. Hooks run on their own goroutines and must not
// block indefinitely; failures are the hook's problem, not the run's.
type VerdictHook interface {
	OnRunTerminal(run Run)
}
