package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/index"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/resolver"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/service/embedding"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/storage"
)

// executeRun walks one run through the state machine to a terminal state.
// Every exit path lands on CompleteRun, so the run row and its audit entry
// always move together.
func (e *Engine) executeRun(ctx context.Context, firmID, entityID, runID uuid.UUID, trigger model.RunTrigger) {
	start := time.Now()
	status := string(model.RunStatusFailed)
	defer func() {
		e.checkDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		e.logger.Info("engine: run finished",
			"run_id", runID, "entity_id", entityID, "status", status,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	e.logger.Info("engine: run started", "run_id", runID, "entity_id", entityID, "trigger", trigger)

	if err := e.store.AdvanceRun(ctx, runID, model.RunStatusPending, model.RunStatusEmbedding, 0); err != nil {
		e.logger.Error("engine: advance to embedding", "run_id", runID, "error", err)
		return
	}

	p, err := e.store.GetParty(ctx, firmID, entityID)
	if err != nil {
		e.failRun(ctx, firmID, entityID, runID, trigger, 0, fmt.Sprintf("load party: %v", err))
		return
	}
	if !p.Active {
		status = e.completeInapplicable(ctx, p, runID, trigger, 0)
		return
	}
	inputHash := model.ComputeInputHash(p.NormalizedName, p.NormalizedAliases())

	embStart := time.Now()
	vec, retries, err := e.embedWithRetry(ctx, p.EmbeddingText())
	e.embedDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		e.failRun(ctx, firmID, entityID, runID, trigger, retries, fmt.Sprintf("embedding: %v", err))
		return
	}

	if err := e.store.AdvanceRun(ctx, runID, model.RunStatusEmbedding, model.RunStatusSearching, retries); err != nil {
		e.logger.Error("engine: advance to searching", "run_id", runID, "error", err)
		return
	}

	// Persist the vector before searching so a crash here re-embeds nothing.
	if err := e.store.UpdatePartyEmbedding(ctx, firmID, entityID, vec); err != nil {
		e.logger.Warn("engine: persist embedding", "run_id", runID, "error", err)
	}

	var degradedReason string
	if err := e.idx.Upsert(ctx, index.Entry{
		EntityID: entityID, FirmID: firmID, Vector: vec.Slice(), Active: true,
	}); err != nil {
		degradedReason = fmt.Sprintf("index upsert: %v", err)
		e.logger.Warn("engine: index upsert failed", "run_id", runID, "error", err)
	}

	qctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	results, err := e.idx.QueryTopK(qctx, vec.Slice(), e.opts.TopK, firmID)
	cancel()
	if err != nil {
		degradedReason = fmt.Sprintf("index query: %v", err)
		e.logger.Warn("engine: index query failed", "run_id", runID, "error", err)
		results = nil
	}

	if err := e.store.AdvanceRun(ctx, runID, model.RunStatusSearching, model.RunStatusEvaluating, retries); err != nil {
		e.logger.Error("engine: advance to evaluating", "run_id", runID, "error", err)
		return
	}

	matches, err := e.loadMatches(ctx, firmID, entityID, results)
	if err != nil {
		e.failRun(ctx, firmID, entityID, runID, trigger, retries, fmt.Sprintf("load candidates: %v", err))
		return
	}
	res := resolver.Classify(&p, matches, e.opts.Thresholds)

	terminal := model.RunStatusResolved
	if degradedReason != "" {
		terminal = model.RunStatusDegradedResolved
	}

	// The party may have been deactivated while the run executed.
	inapplicable := false
	if cur, err := e.store.GetParty(ctx, firmID, entityID); err == nil && !cur.Active {
		inapplicable = true
	}

	verdict := res.Verdict
	now := time.Now().UTC()
	run := model.ConflictCheckRun{
		RunID:           runID,
		SubjectEntityID: entityID,
		FirmID:          firmID,
		Trigger:         trigger,
		Status:          terminal,
		Candidates:      res.Candidates,
		Verdict:         &verdict,
		InputHash:       inputHash,
		RetryCount:      retries,
		Inapplicable:    inapplicable,
		CompletedAt:     &now,
	}
	summary := terminalSummary(run, degradedReason)
	if err := e.completeWithAudit(ctx, run, summary); err != nil {
		e.logger.Error("engine: complete run", "run_id", runID, "error", err)
		return
	}
	status = string(terminal)
}

// embedWithRetry embeds text, retrying transient failures with jittered
// exponential backoff up to the retry cap. The returned count is how many
// retries were spent, which the audit entry records.
func (e *Engine) embedWithRetry(ctx context.Context, text string) (pgvector.Vector, int, error) {
	delay := e.opts.RetryBase
	var lastErr error
	for attempt := 0; attempt <= e.opts.RetryCap; attempt++ {
		ectx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
		vec, err := e.embedder.Embed(ectx, text)
		cancel()
		if err == nil {
			return vec, attempt, nil
		}
		lastErr = err
		if !embedding.IsTransient(err) || attempt == e.opts.RetryCap {
			return pgvector.Vector{}, attempt, err
		}

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return pgvector.Vector{}, attempt, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return pgvector.Vector{}, e.opts.RetryCap, lastErr
}

// loadMatches pairs index results with their party records. Self matches and
// IDs the store no longer knows are dropped.
func (e *Engine) loadMatches(ctx context.Context, firmID, subjectID uuid.UUID, results []index.Result) ([]resolver.Match, error) {
	ids := make([]uuid.UUID, 0, len(results))
	for _, r := range results {
		if r.EntityID != subjectID {
			ids = append(ids, r.EntityID)
		}
	}
	parties, err := e.store.GetParties(ctx, firmID, ids)
	if err != nil {
		return nil, err
	}
	matches := make([]resolver.Match, 0, len(results))
	for _, r := range results {
		p, ok := parties[r.EntityID]
		if !ok {
			continue
		}
		matches = append(matches, resolver.Match{Party: &p, Similarity: r.Similarity})
	}
	return matches, nil
}

// failRun writes the FAILED terminal state with its audit entry.
func (e *Engine) failRun(ctx context.Context, firmID, entityID, runID uuid.UUID, trigger model.RunTrigger, retries int, reason string) {
	e.logger.Error("engine: run failed", "run_id", runID, "entity_id", entityID, "reason", reason, "retries", retries)
	now := time.Now().UTC()
	run := model.ConflictCheckRun{
		RunID:           runID,
		SubjectEntityID: entityID,
		FirmID:          firmID,
		Trigger:         trigger,
		Status:          model.RunStatusFailed,
		FailureReason:   &reason,
		RetryCount:      retries,
		CompletedAt:     &now,
	}
	if stored, err := e.store.GetRun(ctx, firmID, runID); err == nil {
		run.InputHash = stored.InputHash
	}
	summary := fmt.Sprintf("failed after %d retries: %s", retries, reason)
	if err := e.completeWithAudit(ctx, run, summary); err != nil {
		e.logger.Error("engine: complete failed run", "run_id", runID, "error", err)
	}
}

// completeInapplicable terminates a run whose subject was deactivated before
// evaluation. No verdict is produced.
func (e *Engine) completeInapplicable(ctx context.Context, p model.PartyRecord, runID uuid.UUID, trigger model.RunTrigger, retries int) string {
	now := time.Now().UTC()
	run := model.ConflictCheckRun{
		RunID:           runID,
		SubjectEntityID: p.EntityID,
		FirmID:          p.FirmID,
		Trigger:         trigger,
		Status:          model.RunStatusResolved,
		InputHash:       model.ComputeInputHash(p.NormalizedName, p.NormalizedAliases()),
		RetryCount:      retries,
		Inapplicable:    true,
		CompletedAt:     &now,
	}
	if err := e.completeWithAudit(ctx, run, "inapplicable: party deactivated"); err != nil {
		e.logger.Error("engine: complete inapplicable run", "run_id", runID, "error", err)
		return string(model.RunStatusFailed)
	}
	return string(model.RunStatusResolved)
}

func (e *Engine) completeWithAudit(ctx context.Context, run model.ConflictCheckRun, summary string) error {
	entry := model.AuditEntry{
		EntryID:         uuid.New(),
		RunID:           run.RunID,
		FirmID:          run.FirmID,
		SubjectEntityID: run.SubjectEntityID,
		Actor:           model.ActorSystem,
		DecisionSummary: summary,
		InputHash:       run.InputHash,
		RetryCount:      run.RetryCount,
		Timestamp:       time.Now().UTC(),
	}
	err := e.store.CompleteRun(ctx, run, entry)
	if errors.Is(err, storage.ErrAlreadyTerminal) {
		e.logger.Warn("engine: run already terminal", "run_id", run.RunID)
		return nil
	}
	if err == nil && e.opts.OnTerminal != nil {
		go e.opts.OnTerminal(run)
	}
	return err
}

func terminalSummary(run model.ConflictCheckRun, degradedReason string) string {
	verdict := model.VerdictClear
	if run.Verdict != nil {
		verdict = *run.Verdict
	}
	var summary string
	switch {
	case len(run.Candidates) == 0:
		summary = fmt.Sprintf("%s %s: no candidates", run.Status, verdict)
	default:
		summary = fmt.Sprintf("%s %s: %d candidates, top similarity %.3f",
			run.Status, verdict, len(run.Candidates), run.Candidates[0].SimilarityScore)
	}
	if degradedReason != "" {
		summary += " (" + degradedReason + ")"
	}
	if run.Inapplicable {
		summary += "; subject deactivated during run"
	}
	return summary
}
