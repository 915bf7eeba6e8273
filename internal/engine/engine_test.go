package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/index"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/service/embedding"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore is an in-memory Store with the same guards as the real one.
type fakeStore struct {
	mu      sync.Mutex
	parties map[uuid.UUID]model.PartyRecord
	runs    map[uuid.UUID]model.ConflictCheckRun
	audit   []model.AuditEntry

	createGate  chan struct{} // when set, CreateRun blocks until closed
	createWaits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		parties: make(map[uuid.UUID]model.PartyRecord),
		runs:    make(map[uuid.UUID]model.ConflictCheckRun),
	}
}

func (s *fakeStore) putParty(p model.PartyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties[p.EntityID] = p
}

func (s *fakeStore) GetParty(_ context.Context, firmID, entityID uuid.UUID) (model.PartyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parties[entityID]
	if !ok || p.FirmID != firmID {
		return model.PartyRecord{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) GetParties(_ context.Context, firmID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]model.PartyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]model.PartyRecord)
	for _, id := range ids {
		if p, ok := s.parties[id]; ok && p.FirmID == firmID {
			out[id] = p
		}
	}
	return out, nil
}

func (s *fakeStore) UpdatePartyEmbedding(_ context.Context, firmID, entityID uuid.UUID, vec pgvector.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parties[entityID]
	if !ok || p.FirmID != firmID {
		return storage.ErrNotFound
	}
	p.Embedding = &vec
	s.parties[entityID] = p
	return nil
}

func (s *fakeStore) ListEmbeddedParties(_ context.Context, afterID uuid.UUID, limit int) ([]model.PartyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PartyRecord
	for _, p := range s.parties {
		if p.Active && p.Embedding != nil && p.EntityID.String() > afterID.String() {
			out = append(out, p)
		}
	}
	// Unordered map walk; sort by ID for stable keyset pagination.
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j].EntityID.String() < out[i].EntityID.String() {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CreateRun(_ context.Context, run model.ConflictCheckRun) error {
	s.mu.Lock()
	if gate := s.createGate; gate != nil {
		s.createWaits++
		s.mu.Unlock()
		<-gate
		s.mu.Lock()
		s.createWaits--
	}
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	return nil
}

func (s *fakeStore) createWaiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWaits
}

func (s *fakeStore) AdvanceRun(_ context.Context, runID uuid.UUID, from, to model.RunStatus, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != from {
		return fmt.Errorf("fake: run %s not in status %s", runID, from)
	}
	run.Status = to
	run.RetryCount = retryCount
	s.runs[runID] = run
	return nil
}

func (s *fakeStore) CompleteRun(_ context.Context, run model.ConflictCheckRun, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[run.RunID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Status.Terminal() {
		return storage.ErrAlreadyTerminal
	}
	run.StartedAt = stored.StartedAt
	run.Stale = stored.Stale
	s.runs[run.RunID] = run
	s.audit = append(s.audit, entry)
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, firmID, runID uuid.UUID) (model.ConflictCheckRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.FirmID != firmID {
		return model.ConflictCheckRun{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *fakeStore) GetLatestRun(_ context.Context, firmID, entityID uuid.UUID) (model.ConflictCheckRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest model.ConflictCheckRun
		found  bool
	)
	for _, run := range s.runs {
		if run.FirmID != firmID || run.SubjectEntityID != entityID {
			continue
		}
		if !found || run.StartedAt.After(latest.StartedAt) {
			latest, found = run, true
		}
	}
	if !found {
		return model.ConflictCheckRun{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *fakeStore) MarkRunsStale(_ context.Context, entityID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, run := range s.runs {
		if run.SubjectEntityID == entityID && run.Status.Terminal() && run.Status != model.RunStatusFailed && !run.Stale {
			run.Stale = true
			s.runs[id] = run
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) MarkRunsInapplicable(_ context.Context, entityID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, run := range s.runs {
		if run.SubjectEntityID == entityID && !run.Inapplicable {
			run.Inapplicable = true
			s.runs[id] = run
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) auditFor(runID uuid.UUID) []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range s.audit {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// fakeEmbedder returns a fixed vector per normalized text, with optional
// scripted failures and a gate for holding runs mid-embed.
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	failures []error // consumed one per call before succeeding
	gate     chan struct{}
	calls    int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[text] = vec
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return pgvector.Vector{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return pgvector.Vector{}, err
	}
	if vec, ok := f.vectors[text]; ok {
		return pgvector.NewVector(vec), nil
	}
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

func newTestEngine(store Store, emb embedding.Provider, idx index.Index) *Engine {
	return New(store, emb, idx, testLogger(), Options{
		RetryBase:    time.Millisecond,
		EmbedTimeout: time.Second,
		QueryTimeout: time.Second,
	})
}

func makeParty(firmID uuid.UUID, name string) model.PartyRecord {
	return model.PartyRecord{
		EntityID:       uuid.New(),
		FirmID:         firmID,
		DisplayName:    name,
		NormalizedName: model.NormalizeName(name),
		Role:           model.RoleClient,
		Active:         true,
	}
}

func waitTerminal(t *testing.T, store *fakeStore, firmID, runID uuid.UUID) model.ConflictCheckRun {
	t.Helper()
	var run model.ConflictCheckRun
	require.Eventually(t, func() bool {
		var err error
		run, err = store.GetRun(context.Background(), firmID, runID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "run never reached a terminal state")
	return run
}

func TestRunResolvesClear(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Solo Ventures LLC")
	store.putParty(p)

	runID, queued, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)
	assert.False(t, queued)

	run := waitTerminal(t, store, firmID, runID)
	assert.Equal(t, model.RunStatusResolved, run.Status)
	require.NotNil(t, run.Verdict)
	assert.Equal(t, model.VerdictClear, *run.Verdict)
	assert.Empty(t, run.Candidates)
	assert.Equal(t, 0, run.RetryCount)
	require.NotNil(t, run.CompletedAt)

	// Exactly one audit entry, carrying the input hash.
	entries := store.auditFor(runID)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActorSystem, entries[0].Actor)
	assert.Equal(t, run.InputHash, entries[0].InputHash)
	assert.Contains(t, entries[0].DecisionSummary, "clear")

	// Embedding persisted on the party.
	got, err := store.GetParty(ctx, firmID, p.EntityID)
	require.NoError(t, err)
	require.NotNil(t, got.Embedding)
}

func TestRunBlockedOnNearDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	idx := index.NewHNSW(index.HNSWOptions{}, testLogger())
	eng := newTestEngine(store, emb, idx)
	defer eng.Close()

	firmID := uuid.New()
	existing := makeParty(firmID, "Ahmed Al Mansouri")
	store.putParty(existing)
	require.NoError(t, idx.Upsert(ctx, index.Entry{
		EntityID: existing.EntityID, FirmID: firmID, Vector: []float32{1, 0, 0}, Active: true,
	}))

	subject := makeParty(firmID, "Ahmed AlMansouri")
	store.putParty(subject)
	emb.set(subject.EmbeddingText(), []float32{0.999, 0.045, 0}) // ~0.999 cosine vs existing

	runID, _, err := eng.TriggerCheck(ctx, firmID, subject.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)

	run := waitTerminal(t, store, firmID, runID)
	assert.Equal(t, model.RunStatusResolved, run.Status)
	require.NotNil(t, run.Verdict)
	assert.Equal(t, model.VerdictBlocked, *run.Verdict)
	require.Len(t, run.Candidates, 1)
	assert.Equal(t, existing.EntityID, run.Candidates[0].MatchedEntityID)
	assert.Equal(t, model.TierHigh, run.Candidates[0].ThresholdTier)
	assert.True(t, run.Candidates[0].SameFirm)
}

func TestRunExcludesOtherFirms(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	idx := index.NewHNSW(index.HNSWOptions{}, testLogger())
	eng := newTestEngine(store, emb, idx)
	defer eng.Close()

	firmA, firmB := uuid.New(), uuid.New()
	other := makeParty(firmB, "Identical Name Co")
	store.putParty(other)
	require.NoError(t, idx.Upsert(ctx, index.Entry{
		EntityID: other.EntityID, FirmID: firmB, Vector: []float32{1, 0, 0}, Active: true,
	}))

	subject := makeParty(firmA, "Identical Name Co")
	store.putParty(subject)

	runID, _, err := eng.TriggerCheck(ctx, firmA, subject.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)

	run := waitTerminal(t, store, firmA, runID)
	require.NotNil(t, run.Verdict)
	assert.Equal(t, model.VerdictClear, *run.Verdict)
	assert.Empty(t, run.Candidates)
}

func TestEmbedRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	emb.failures = []error{
		embedding.Transient(errors.New("upstream 503")),
		embedding.Transient(errors.New("upstream 503")),
	}
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Retry Co")
	store.putParty(p)

	runID, _, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)

	run := waitTerminal(t, store, firmID, runID)
	assert.Equal(t, model.RunStatusResolved, run.Status)
	assert.Equal(t, 2, run.RetryCount)

	entries := store.auditFor(runID)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].RetryCount)
}

func TestEmbedPermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	emb.failures = []error{errors.New("invalid model")}
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Permanent Failure Co")
	store.putParty(p)

	runID, _, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)

	run := waitTerminal(t, store, firmID, runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Nil(t, run.Verdict)
	require.NotNil(t, run.FailureReason)
	assert.Contains(t, *run.FailureReason, "invalid model")
	assert.Equal(t, 0, run.RetryCount, "permanent errors must not burn retries")
	assert.Equal(t, 1, emb.calls)

	// Failed runs still get their audit entry.
	entries := store.auditFor(runID)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].DecisionSummary, "failed")
}

func TestEmbedTransientExhaustsRetryCap(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	for i := 0; i < 10; i++ {
		emb.failures = append(emb.failures, embedding.Transient(errors.New("still down")))
	}
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Down Co")
	store.putParty(p)

	runID, _, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)

	run := waitTerminal(t, store, firmID, runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, 3, run.RetryCount)
	assert.Equal(t, 4, emb.calls) // initial attempt plus the retry cap
}

func TestSingleFlightQueuesExactlyOne(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	emb.gate = make(chan struct{})
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Busy Co")
	store.putParty(p)

	firstID, queued, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)
	assert.False(t, queued)

	// While the first run is held at the embed gate, further triggers all
	// collapse onto one queued run.
	secondID, queued, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerClientEdit)
	require.NoError(t, err)
	assert.True(t, queued)
	thirdID, queued, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerManualRecheck)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, secondID, thirdID)
	assert.NotEqual(t, firstID, secondID)

	// Release both runs.
	close(emb.gate)

	first := waitTerminal(t, store, firmID, firstID)
	second := waitTerminal(t, store, firmID, secondID)
	assert.Equal(t, model.RunStatusResolved, first.Status)
	assert.Equal(t, model.RunStatusResolved, second.Status)
	assert.Equal(t, model.TriggerClientEdit, second.Trigger)

	// A trigger after the flight drains starts fresh, not queued.
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.flights) == 0
	}, 5*time.Second, 10*time.Millisecond)
	fourthID, queued, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerManualRecheck)
	require.NoError(t, err)
	assert.False(t, queued)
	waitTerminal(t, store, firmID, fourthID)
}

func TestQueuedRunSurvivesSlowInsert(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	emb.gate = make(chan struct{})
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Slow Insert Co")
	store.putParty(p)

	firstID, queued, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)
	assert.False(t, queued)

	// Hold the queued run's row insert open while the in-flight run races
	// ahead; the queued run must still execute once its row lands.
	insertGate := make(chan struct{})
	store.mu.Lock()
	store.createGate = insertGate
	store.mu.Unlock()

	type triggerResult struct {
		id     uuid.UUID
		queued bool
		err    error
	}
	done := make(chan triggerResult, 1)
	go func() {
		id, q, err := eng.TriggerCheck(context.Background(), firmID, p.EntityID, model.TriggerClientEdit)
		done <- triggerResult{id, q, err}
	}()
	require.Eventually(t, func() bool { return store.createWaiters() > 0 },
		5*time.Second, time.Millisecond, "second trigger never reached its insert")

	// First run completes while the queued run's row is still uncommitted.
	close(emb.gate)
	first := waitTerminal(t, store, firmID, firstID)
	assert.Equal(t, model.RunStatusResolved, first.Status)

	close(insertGate)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.queued)

	second := waitTerminal(t, store, firmID, res.id)
	assert.Equal(t, model.RunStatusResolved, second.Status)
	assert.Equal(t, model.TriggerClientEdit, second.Trigger)
}

func TestHandleEditMarksPriorRunsStale(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Edited Co")
	store.putParty(p)

	firstID, _, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)
	waitTerminal(t, store, firmID, firstID)

	p.DisplayName = "Edited Holdings"
	p.NormalizedName = model.NormalizeName(p.DisplayName)
	store.putParty(p)

	secondID, _, err := eng.HandleEdit(ctx, firmID, p.EntityID)
	require.NoError(t, err)
	second := waitTerminal(t, store, firmID, secondID)

	first, err := store.GetRun(ctx, firmID, firstID)
	require.NoError(t, err)
	assert.True(t, first.Stale)
	assert.False(t, second.Stale)
	assert.NotEqual(t, first.InputHash, second.InputHash)
}

func TestHandleDeactivation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	idx := index.NewHNSW(index.HNSWOptions{}, testLogger())
	eng := newTestEngine(store, emb, idx)
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Closing Co")
	store.putParty(p)

	runID, _, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)
	waitTerminal(t, store, firmID, runID)

	p.Active = false
	store.putParty(p)
	require.NoError(t, eng.HandleDeactivation(ctx, firmID, p.EntityID))

	run, err := store.GetRun(ctx, firmID, runID)
	require.NoError(t, err)
	assert.True(t, run.Inapplicable)

	n, err := idx.Count(ctx, firmID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// New checks on an inactive party are refused.
	_, _, err = eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerManualRecheck)
	assert.Error(t, err)
}

func TestDegradedOnIndexFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	eng := newTestEngine(store, emb, &failingIndex{})
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Degraded Co")
	store.putParty(p)

	runID, _, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)

	run := waitTerminal(t, store, firmID, runID)
	assert.Equal(t, model.RunStatusDegradedResolved, run.Status)
	require.NotNil(t, run.Verdict)
	assert.Equal(t, model.VerdictClear, *run.Verdict)

	// The verdict response must surface the degradation.
	resp, err := eng.LatestVerdict(ctx, firmID, p.EntityID)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.True(t, resp.Complete)

	entries := store.auditFor(runID)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].DecisionSummary, "degraded-resolved")
}

func TestLatestVerdictFailedRunIncomplete(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	emb := newFakeEmbedder()
	emb.failures = []error{errors.New("bad config")}
	eng := newTestEngine(store, emb, index.NewHNSW(index.HNSWOptions{}, testLogger()))
	defer eng.Close()

	firmID := uuid.New()
	p := makeParty(firmID, "Failing Co")
	store.putParty(p)

	runID, _, err := eng.TriggerCheck(ctx, firmID, p.EntityID, model.TriggerInitialIntake)
	require.NoError(t, err)
	waitTerminal(t, store, firmID, runID)

	resp, err := eng.LatestVerdict(ctx, firmID, p.EntityID)
	require.NoError(t, err)
	assert.False(t, resp.Complete)
	assert.False(t, resp.Degraded)
}

func TestBackfillRestoresIndex(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	idx := index.NewHNSW(index.HNSWOptions{}, testLogger())
	eng := newTestEngine(store, newFakeEmbedder(), idx)
	defer eng.Close()

	firmID := uuid.New()
	for i := 0; i < 12; i++ {
		p := makeParty(firmID, fmt.Sprintf("Backfill Co %d", i))
		vec := pgvector.NewVector([]float32{float32(i), 1, 0})
		p.Embedding = &vec
		store.putParty(p)
	}
	noVec := makeParty(firmID, "No Vector Co")
	store.putParty(noVec)

	n, err := eng.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	count, err := idx.Count(ctx, firmID)
	require.NoError(t, err)
	assert.Equal(t, 12, count)
}

// failingIndex errors every operation, standing in for an unavailable backend.
type failingIndex struct{}

func (f *failingIndex) Upsert(context.Context, index.Entry) error { return errors.New("index down") }
func (f *failingIndex) Remove(context.Context, uuid.UUID) error   { return errors.New("index down") }
func (f *failingIndex) QueryTopK(context.Context, []float32, int, uuid.UUID) ([]index.Result, error) {
	return nil, errors.New("index down")
}
func (f *failingIndex) Count(context.Context, uuid.UUID) (int, error) {
	return 0, errors.New("index down")
}
func (f *failingIndex) Close() error { return nil }
