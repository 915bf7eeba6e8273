package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
)

// UpsertParty inserts a party or updates its name fields. The embedding is
// never touched here: it is written separately once the check run has
// embedded the new input, so a half-updated party can't serve stale vectors.
func (db *DB) UpsertParty(ctx context.Context, p model.PartyRecord) error {
	now := time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO parties (entity_id, firm_id, display_name, normalized_name, alias_names, role, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (entity_id) DO UPDATE SET
		     display_name = EXCLUDED.display_name,
		     normalized_name = EXCLUDED.normalized_name,
		     alias_names = EXCLUDED.alias_names,
		     role = EXCLUDED.role,
		     active = EXCLUDED.active,
		     updated_at = EXCLUDED.updated_at
		 WHERE parties.firm_id = EXCLUDED.firm_id`,
		p.EntityID, p.FirmID, p.DisplayName, p.NormalizedName, p.AliasNames,
		string(p.Role), p.Active, now,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert party: %w", err)
	}
	return nil
}

// GetParty retrieves a party by ID, scoped to the given firm.
func (db *DB) GetParty(ctx context.Context, firmID, entityID uuid.UUID) (model.PartyRecord, error) {
	var p model.PartyRecord
	err := db.pool.QueryRow(ctx,
		`SELECT entity_id, firm_id, display_name, normalized_name, alias_names, embedding, role, active, created_at, updated_at
		 FROM parties WHERE entity_id = $1 AND firm_id = $2`, entityID, firmID,
	).Scan(
		&p.EntityID, &p.FirmID, &p.DisplayName, &p.NormalizedName, &p.AliasNames,
		&p.Embedding, &p.Role, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PartyRecord{}, ErrNotFound
		}
		return model.PartyRecord{}, fmt.Errorf("storage: get party: %w", err)
	}
	return p, nil
}

// GetParties retrieves a batch of parties by ID within a firm. Missing IDs
// are silently absent from the result.
func (db *DB) GetParties(ctx context.Context, firmID uuid.UUID, entityIDs []uuid.UUID) (map[uuid.UUID]model.PartyRecord, error) {
	if len(entityIDs) == 0 {
		return map[uuid.UUID]model.PartyRecord{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT entity_id, firm_id, display_name, normalized_name, alias_names, embedding, role, active, created_at, updated_at
		 FROM parties WHERE firm_id = $1 AND entity_id = ANY($2)`, firmID, entityIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get parties: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.PartyRecord, len(entityIDs))
	for rows.Next() {
		var p model.PartyRecord
		if err := rows.Scan(
			&p.EntityID, &p.FirmID, &p.DisplayName, &p.NormalizedName, &p.AliasNames,
			&p.Embedding, &p.Role, &p.Active, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan party: %w", err)
		}
		out[p.EntityID] = p
	}
	return out, rows.Err()
}

// UpdatePartyEmbedding stores the vector a completed run embedded for the
// party. Guarded by firm so a cross-tenant run ID can't write another firm's
// party.
func (db *DB) UpdatePartyEmbedding(ctx context.Context, firmID, entityID uuid.UUID, vec pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE parties SET embedding = $1, updated_at = now() WHERE entity_id = $2 AND firm_id = $3`,
		vec, entityID, firmID,
	)
	if err != nil {
		return fmt.Errorf("storage: update party embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateParty clears the active flag. The row is kept so past runs
// retain a resolvable subject.
func (db *DB) DeactivateParty(ctx context.Context, firmID, entityID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE parties SET active = false, updated_at = now() WHERE entity_id = $1 AND firm_id = $2`,
		entityID, firmID,
	)
	if err != nil {
		return fmt.Errorf("storage: deactivate party: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEmbeddedParties pages through active parties that already carry an
// embedding, for rebuilding the in-memory index on startup. Keyset
// pagination on entity_id; pass uuid.Nil to start from the beginning.
func (db *DB) ListEmbeddedParties(ctx context.Context, afterID uuid.UUID, limit int) ([]model.PartyRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT entity_id, firm_id, display_name, normalized_name, alias_names, embedding, role, active, created_at, updated_at
		 FROM parties
		 WHERE active AND embedding IS NOT NULL AND entity_id > $1
		 ORDER BY entity_id
		 LIMIT $2`, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list embedded parties: %w", err)
	}
	defer rows.Close()

	var out []model.PartyRecord
	for rows.Next() {
		var p model.PartyRecord
		if err := rows.Scan(
			&p.EntityID, &p.FirmID, &p.DisplayName, &p.NormalizedName, &p.AliasNames,
			&p.Embedding, &p.Role, &p.Active, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan party: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
