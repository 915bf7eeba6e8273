package index

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // sqlite driver
)

// Snapshot persists the index contents (entity → vector plus a tombstone
// marker) in a local SQLite file so the in-memory graph can be rebuilt on
// restart without re-embedding every party.
type Snapshot struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSnapshot opens (creating if needed) the snapshot file.
func OpenSnapshot(path string, logger *slog.Logger) (*Snapshot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open snapshot %s: %w", path, err)
	}
	// One writer at a time; the engine serializes writes per entity anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			entity_id TEXT PRIMARY KEY,
			firm_id   TEXT NOT NULL,
			vector    BLOB NOT NULL,
			active    INTEGER NOT NULL DEFAULT 1,
			deleted   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_firm ON vectors(firm_id);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: init snapshot schema: %w", err)
	}
	return &Snapshot{db: db, logger: logger}, nil
}

// Put stores or replaces an entry.
func (s *Snapshot) Put(ctx context.Context, e Entry) error {
	blob, err := encodeVector(e.Vector)
	if err != nil {
		return fmt.Errorf("index: encode vector: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (entity_id, firm_id, vector, active, deleted)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(entity_id) DO UPDATE SET
			firm_id = excluded.firm_id,
			vector  = excluded.vector,
			active  = excluded.active,
			deleted = 0`,
		e.EntityID.String(), e.FirmID.String(), blob, boolToInt(e.Active),
	)
	if err != nil {
		return fmt.Errorf("index: snapshot put: %w", err)
	}
	return nil
}

// MarkDeleted tombstones an entry. The row is kept so a restart replays the
// deletion instead of resurrecting the vector.
func (s *Snapshot) MarkDeleted(ctx context.Context, entityID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE vectors SET deleted = 1 WHERE entity_id = ?`, entityID.String(),
	); err != nil {
		return fmt.Errorf("index: snapshot mark deleted: %w", err)
	}
	return nil
}

// Compact drops tombstoned rows. Runs alongside graph compaction.
func (s *Snapshot) Compact(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE deleted = 1`)
	if err != nil {
		return 0, fmt.Errorf("index: snapshot compact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Replay feeds every live entry to fn, for rebuilding the graph on startup.
func (s *Snapshot) Replay(ctx context.Context, fn func(Entry) error) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, firm_id, vector, active FROM vectors WHERE deleted = 0`)
	if err != nil {
		return 0, fmt.Errorf("index: snapshot replay query: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var entityStr, firmStr string
		var blob []byte
		var active int
		if err := rows.Scan(&entityStr, &firmStr, &blob, &active); err != nil {
			return count, fmt.Errorf("index: snapshot scan: %w", err)
		}
		entityID, err := uuid.Parse(entityStr)
		if err != nil {
			s.logger.Warn("index: snapshot row has invalid entity id, skipping", "entity_id", entityStr)
			continue
		}
		firmID, err := uuid.Parse(firmStr)
		if err != nil {
			s.logger.Warn("index: snapshot row has invalid firm id, skipping", "entity_id", entityStr)
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			s.logger.Warn("index: snapshot row has corrupt vector, skipping", "entity_id", entityStr, "error", err)
			continue
		}
		if err := fn(Entry{EntityID: entityID, FirmID: firmID, Vector: vec, Active: active != 0}); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

// Close closes the snapshot file.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// Persistent wraps an Index with write-through snapshot persistence.
// Reads go straight to the inner index; writes land in the snapshot first
// so a crash after the snapshot write replays the entry on restart.
type Persistent struct {
	Index
	snap *Snapshot
}

// NewPersistent builds the wrapper and replays the snapshot into inner.
func NewPersistent(ctx context.Context, inner Index, snap *Snapshot, logger *slog.Logger) (*Persistent, error) {
	n, err := snap.Replay(ctx, func(e Entry) error {
		return inner.Upsert(ctx, e)
	})
	if err != nil {
		return nil, fmt.Errorf("index: restore from snapshot: %w", err)
	}
	if n > 0 {
		logger.Info("index: restored from snapshot", "entries", n)
	}
	return &Persistent{Index: inner, snap: snap}, nil
}

// Upsert writes through to the snapshot, then the in-memory graph.
func (p *Persistent) Upsert(ctx context.Context, e Entry) error {
	if err := p.snap.Put(ctx, e); err != nil {
		return err
	}
	return p.Index.Upsert(ctx, e)
}

// Remove tombstones in the snapshot, then the graph.
func (p *Persistent) Remove(ctx context.Context, entityID uuid.UUID) error {
	if err := p.snap.MarkDeleted(ctx, entityID); err != nil {
		return err
	}
	return p.Index.Remove(ctx, entityID)
}

// Close closes both layers.
func (p *Persistent) Close() error {
	err := p.Index.Close()
	if cerr := p.snap.Close(); err == nil {
		err = cerr
	}
	return err
}

func encodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil { //nolint:gosec // dims bounded by config
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("truncated vector blob")
	}
	buf := bytes.NewReader(data)
	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length <= 0 || int(length)*4 != buf.Len() {
		return nil, fmt.Errorf("vector blob length mismatch")
	}
	vec := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
