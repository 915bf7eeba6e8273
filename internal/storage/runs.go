package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
)

const runColumns = `run_id, subject_entity_id, firm_id, trigger, status, candidates,
	verdict, failure_reason, input_hash, retry_count, stale, inapplicable,
	review_decision, review_note, reviewer_id, started_at, completed_at`

// CreateRun inserts a new pending conflict check run.
func (db *DB) CreateRun(ctx context.Context, run model.ConflictCheckRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO conflict_runs (run_id, subject_entity_id, firm_id, trigger, status, candidates, input_hash, retry_count, started_at)
		 VALUES ($1, $2, $3, $4, $5, '[]'::jsonb, $6, 0, $7)`,
		run.RunID, run.SubjectEntityID, run.FirmID, string(run.Trigger),
		string(run.Status), run.InputHash, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// AdvanceRun moves a run from one non-terminal status to the next and records
// the retry count so far. The guard on the previous status makes concurrent
// transitions lose cleanly instead of rewriting each other.
func (db *DB) AdvanceRun(ctx context.Context, runID uuid.UUID, from, to model.RunStatus, retryCount int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_runs SET status = $1, retry_count = $2 WHERE run_id = $3 AND status = $4`,
		string(to), retryCount, runID, string(from),
	)
	if err != nil {
		return fmt.Errorf("storage: advance run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: advance run %s: not in status %s", runID, from)
	}
	return nil
}

// Transactional run writes contend on the run row with concurrent reviewers
// and stale/inapplicable sweeps; serialization and deadlock errors get a few
// retries before surfacing.
const (
	txRetries   = 3
	txRetryBase = 50 * time.Millisecond
)

// CompleteRun writes a run's terminal state and its audit entry in one
// transaction. Either both land or neither does; a run can never be terminal
// without its trail entry. Completing an already-terminal run returns
// ErrAlreadyTerminal.
func (db *DB) CompleteRun(ctx context.Context, run model.ConflictCheckRun, entry model.AuditEntry) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("storage: complete run %s: %s is not a terminal status", run.RunID, run.Status)
	}
	candJSON, err := json.Marshal(run.Candidates)
	if err != nil {
		return fmt.Errorf("storage: marshal candidates: %w", err)
	}
	return WithRetry(ctx, txRetries, txRetryBase, func() error {
		return db.completeRunTx(ctx, run, candJSON, entry)
	})
}

func (db *DB) completeRunTx(ctx context.Context, run model.ConflictCheckRun, candJSON []byte, entry model.AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin complete run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if run.CompletedAt != nil {
		now = *run.CompletedAt
	}
	tag, err := tx.Exec(ctx,
		`UPDATE conflict_runs SET
		     status = $1, candidates = $2::jsonb, verdict = $3, failure_reason = $4,
		     input_hash = $5, retry_count = $6, inapplicable = $7, completed_at = $8
		 WHERE run_id = $9 AND status NOT IN ('resolved', 'degraded-resolved', 'failed')`,
		string(run.Status), candJSON, run.Verdict, run.FailureReason,
		run.InputHash, run.RetryCount, run.Inapplicable, now, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyTerminal
	}

	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, scoped to the given firm.
func (db *DB) GetRun(ctx context.Context, firmID, runID uuid.UUID) (model.ConflictCheckRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM conflict_runs WHERE run_id = $1 AND firm_id = $2`, runID, firmID,
	)
	return scanRun(row)
}

// GetLatestRun returns the most recently started run for a party.
func (db *DB) GetLatestRun(ctx context.Context, firmID, entityID uuid.UUID) (model.ConflictCheckRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM conflict_runs
		 WHERE subject_entity_id = $1 AND firm_id = $2
		 ORDER BY started_at DESC, run_id DESC LIMIT 1`, entityID, firmID,
	)
	return scanRun(row)
}

// MarkRunsStale flags all terminal runs for a party as stale. Called when the
// party's identifying fields change so old verdicts stop presenting as
// current. Returns the number of runs flagged.
func (db *DB) MarkRunsStale(ctx context.Context, entityID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_runs SET stale = true
		 WHERE subject_entity_id = $1 AND status IN ('resolved', 'degraded-resolved') AND NOT stale`,
		entityID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark runs stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRunsInapplicable flags a deactivated party's runs so verdict reads
// surface that the subject is gone rather than serving the old outcome.
func (db *DB) MarkRunsInapplicable(ctx context.Context, entityID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_runs SET inapplicable = true
		 WHERE subject_entity_id = $1 AND NOT inapplicable`,
		entityID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark runs inapplicable: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetRunDecision records a reviewer's override on a terminal run and appends
// the reviewer's audit entry in the same transaction. Only potential-conflict
// and blocked verdicts accept decisions; a second decision on the same run
// returns an error rather than silently rewriting the first.
func (db *DB) SetRunDecision(ctx context.Context, firmID, runID uuid.UUID, decision model.ReviewDecision, note, reviewerID string) (model.ConflictCheckRun, error) {
	var run model.ConflictCheckRun
	err := WithRetry(ctx, txRetries, txRetryBase, func() error {
		var err error
		run, err = db.setRunDecisionTx(ctx, firmID, runID, decision, note, reviewerID)
		return err
	})
	return run, err
}

func (db *DB) setRunDecisionTx(ctx context.Context, firmID, runID uuid.UUID, decision model.ReviewDecision, note, reviewerID string) (model.ConflictCheckRun, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ConflictCheckRun{}, fmt.Errorf("storage: begin decision: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM conflict_runs WHERE run_id = $1 AND firm_id = $2 FOR UPDATE`, runID, firmID,
	))
	if err != nil {
		return model.ConflictCheckRun{}, err
	}
	if !run.Status.Terminal() {
		return model.ConflictCheckRun{}, fmt.Errorf("%w: run %s is not terminal", ErrNotReviewable, runID)
	}
	if run.Verdict == nil || *run.Verdict == model.VerdictClear {
		return model.ConflictCheckRun{}, fmt.Errorf("%w: run %s verdict needs no review", ErrNotReviewable, runID)
	}
	if run.ReviewDecision != nil {
		return model.ConflictCheckRun{}, fmt.Errorf("%w: run %s already reviewed", ErrNotReviewable, runID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conflict_runs SET review_decision = $1, review_note = $2, reviewer_id = $3 WHERE run_id = $4`,
		string(decision), note, reviewerID, runID,
	); err != nil {
		return model.ConflictCheckRun{}, fmt.Errorf("storage: set decision: %w", err)
	}

	entry := model.AuditEntry{
		EntryID:         uuid.New(),
		RunID:           runID,
		FirmID:          firmID,
		SubjectEntityID: run.SubjectEntityID,
		Actor:           reviewerID,
		DecisionSummary: fmt.Sprintf("reviewer %s verdict %s: %s", decision, *run.Verdict, note),
		InputHash:       run.InputHash,
		RetryCount:      run.RetryCount,
		Timestamp:       time.Now().UTC(),
	}
	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return model.ConflictCheckRun{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ConflictCheckRun{}, fmt.Errorf("storage: commit decision: %w", err)
	}

	run.ReviewDecision = &decision
	run.ReviewNote = &note
	run.ReviewerID = &reviewerID
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.ConflictCheckRun, error) {
	var (
		run      model.ConflictCheckRun
		candJSON []byte
	)
	err := row.Scan(
		&run.RunID, &run.SubjectEntityID, &run.FirmID, &run.Trigger, &run.Status,
		&candJSON, &run.Verdict, &run.FailureReason, &run.InputHash, &run.RetryCount,
		&run.Stale, &run.Inapplicable, &run.ReviewDecision, &run.ReviewNote,
		&run.ReviewerID, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConflictCheckRun{}, ErrNotFound
		}
		return model.ConflictCheckRun{}, fmt.Errorf("storage: scan run: %w", err)
	}
	if len(candJSON) > 0 {
		if err := json.Unmarshal(candJSON, &run.Candidates); err != nil {
			return model.ConflictCheckRun{}, fmt.Errorf("storage: unmarshal candidates: %w", err)
		}
	}
	return run, nil
}
