package index

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds connection settings for a Qdrant-backed index.
type QdrantConfig struct {
	URL        string // "https://host:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index against a Qdrant collection. Firms that
// outgrow the in-process graph point the engine here via config; the
// contract is identical, including firm scoping on every query.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

// NewQdrantIndex connects to Qdrant over gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// parseQdrantURL extracts host, port, and TLS flag. The REST port (6333)
// is rewritten to the gRPC port (6334).
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("index: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("index: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// EnsureCollection creates the collection and payload indexes if absent.
// CreateFieldIndex is idempotent on Qdrant, so indexes added later are
// backfilled on restart.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("index: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("index: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("index: created qdrant collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "firm_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("index: ensure firm_id index: %w", err)
	}
	boolType := qdrant.FieldType_FieldTypeBool
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "active",
		FieldType:      &boolType,
	}); err != nil {
		return fmt.Errorf("index: ensure active index: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the entity's point. Qdrant upsert by point ID
// already enforces one live vector per entity.
func (q *QdrantIndex) Upsert(ctx context.Context, e Entry) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(e.EntityID.String()),
			Vectors: qdrant.NewVectorsDense(e.Vector),
			Payload: qdrant.NewValueMap(map[string]any{
				"firm_id": e.FirmID.String(),
				"active":  e.Active,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("index: qdrant upsert %s: %w", e.EntityID, err)
	}
	return nil
}

// Remove deletes the entity's point.
func (q *QdrantIndex) Remove(ctx context.Context, entityID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(entityID.String())},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: qdrant delete %s: %w", entityID, err)
	}
	return nil
}

// QueryTopK runs a firm-scoped ANN query, excluding inactive parties.
func (q *QdrantIndex) QueryTopK(ctx context.Context, vector []float32, k int, firmID uuid.UUID) ([]Result, error) {
	if k <= 0 {
		k = 20
	}
	limit := uint64(k) //nolint:gosec // k bounded by config
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("firm_id", firmID.String()),
			qdrant.NewMatchBool("active", true),
		}},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		entityID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("index: invalid UUID in qdrant point ID", "id", idStr)
			continue
		}
		// Qdrant returns similarity directly for cosine collections.
		results = append(results, Result{
			EntityID:   entityID,
			Similarity: similarityFromDistance(1.0 - sp.Score),
		})
	}
	sortResults(results)
	return results, nil
}

// Count returns the number of active points in the firm's scope.
func (q *QdrantIndex) Count(ctx context.Context, firmID uuid.UUID) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("firm_id", firmID.String()),
			qdrant.NewMatchBool("active", true),
		}},
	})
	if err != nil {
		return 0, fmt.Errorf("index: qdrant count: %w", err)
	}
	return int(n), nil //nolint:gosec // firm-scoped counts fit in int
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
