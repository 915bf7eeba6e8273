package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// PublicProvider is the provider shape the root package exposes to embedders:
// plain []float32 vectors, no pgvector dependency. Structural, not imported,
// so internal packages never depend on the root package.
type PublicProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewPublicProviderAdapter wraps an externally supplied provider so it
// satisfies Provider. Conversion to pgvector.Vector happens here, at the
// boundary, once per call.
func NewPublicProviderAdapter(p PublicProvider) Provider {
	return &publicProviderAdapter{p: p}
}

type publicProviderAdapter struct {
	p PublicProvider
}

func (a *publicProviderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *publicProviderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *publicProviderAdapter) Dimensions() int {
	return a.p.Dimensions()
}
