// Package index provides approximate-nearest-neighbor search over party
// name embeddings, with an in-process HNSW graph as the default backend and
// Qdrant as an optional external one.
package index

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one party's live vector in the index.
type Entry struct {
	EntityID uuid.UUID
	FirmID   uuid.UUID
	Vector   []float32
	Active   bool
}

// Result is one neighbor from a top-k query, similarity in [0, 1].
type Result struct {
	EntityID   uuid.UUID
	Similarity float64
}

// Index is the vector index contract. Implementations must be safe for
// concurrent use: queries may run alongside writes, and writes for
// different firms must not block each other.
//
// Invariant: at most one live vector per entity — Upsert replaces.
// QueryTopK is a snapshot of index state at call time, always firm-scoped,
// and excludes inactive parties. It does not exclude the querying entity;
// the orchestrator strips self-matches because only it knows the subject.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Remove(ctx context.Context, entityID uuid.UUID) error
	QueryTopK(ctx context.Context, vector []float32, k int, firmID uuid.UUID) ([]Result, error)

	// Count returns the number of live, active vectors in the firm's
	// scope.
	Count(ctx context.Context, firmID uuid.UUID) (int, error)

	Close() error
}

// StartCompactor launches periodic tombstone compaction on its own goroutine,
// stopping when ctx is cancelled. Backends that compact themselves (Qdrant)
// are left alone.
func StartCompactor(ctx context.Context, idx Index, interval time.Duration) {
	h, ok := unwrapHNSW(idx)
	if !ok || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CompactAll(ctx)
			}
		}
	}()
}

func unwrapHNSW(idx Index) (*HNSW, bool) {
	switch v := idx.(type) {
	case *HNSW:
		return v, true
	case *Persistent:
		return unwrapHNSW(v.Index)
	}
	return nil, false
}
