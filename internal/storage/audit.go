package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/integrity"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
)

// insertAuditTx appends an audit entry inside the caller's transaction.
// The target table is append-only; a database rule rejects UPDATE and DELETE.
// The tamper-evidence hash is sealed here so every committed entry carries one.
func insertAuditTx(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	// Postgres keeps microsecond precision. Hash what will actually be
	// stored so re-verification over a read-back entry matches.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.EntryHash = integrity.ComputeEntryHash(e)
	_, err := tx.Exec(ctx,
		`INSERT INTO conflict_audit_log (entry_id, run_id, firm_id, subject_entity_id, actor, decision_summary, input_hash, retry_count, created_at, entry_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.EntryID, e.RunID, e.FirmID, e.SubjectEntityID, e.Actor,
		e.DecisionSummary, e.InputHash, e.RetryCount, e.Timestamp, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

// ListAuditByEntity returns a party's full trail, oldest first.
func (db *DB) ListAuditByEntity(ctx context.Context, firmID, entityID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT entry_id, run_id, firm_id, subject_entity_id, actor, decision_summary, input_hash, retry_count, created_at, entry_hash
		 FROM conflict_audit_log
		 WHERE subject_entity_id = $1 AND firm_id = $2
		 ORDER BY created_at, entry_id`, entityID, firmID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit by entity: %w", err)
	}
	defer rows.Close()
	return collectAudit(rows)
}

// ListAuditByRange returns a firm's trail inside [from, to), oldest first,
// for compliance export.
func (db *DB) ListAuditByRange(ctx context.Context, firmID uuid.UUID, from, to time.Time, limit, offset int) ([]model.AuditEntry, int, error) {
	if limit <= 0 {
		limit = 500
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conflict_audit_log WHERE firm_id = $1 AND created_at >= $2 AND created_at < $3`,
		firmID, from, to,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count audit range: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT entry_id, run_id, firm_id, subject_entity_id, actor, decision_summary, input_hash, retry_count, created_at, entry_hash
		 FROM conflict_audit_log
		 WHERE firm_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at, entry_id
		 LIMIT $4 OFFSET $5`, firmID, from, to, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit range: %w", err)
	}
	defer rows.Close()

	entries, err := collectAudit(rows)
	return entries, total, err
}

func collectAudit(rows pgx.Rows) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(
			&e.EntryID, &e.RunID, &e.FirmID, &e.SubjectEntityID, &e.Actor,
			&e.DecisionSummary, &e.InputHash, &e.RetryCount, &e.Timestamp, &e.EntryHash,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
