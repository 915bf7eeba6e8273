// Package engine orchestrates conflict check runs.
//
// A run walks the state machine PENDING, EMBEDDING, SEARCHING, EVALUATING
// and ends RESOLVED, DEGRADED-RESOLVED, or FAILED. The engine enforces one
// in-flight run per party: triggers arriving while a run executes collapse
// onto a single queued re-check that starts when the current run finishes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/index"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/resolver"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/service/embedding"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/telemetry"
)

// ErrInactiveParty is returned when a check is triggered for a party whose
// Active flag is cleared. Deactivated parties never get new runs.
var ErrInactiveParty = errors.New("engine: party is inactive")

// Store is the persistence surface the engine needs. *storage.DB satisfies it.
type Store interface {
	GetParty(ctx context.Context, firmID, entityID uuid.UUID) (model.PartyRecord, error)
	GetParties(ctx context.Context, firmID uuid.UUID, entityIDs []uuid.UUID) (map[uuid.UUID]model.PartyRecord, error)
	UpdatePartyEmbedding(ctx context.Context, firmID, entityID uuid.UUID, vec pgvector.Vector) error
	ListEmbeddedParties(ctx context.Context, afterID uuid.UUID, limit int) ([]model.PartyRecord, error)

	CreateRun(ctx context.Context, run model.ConflictCheckRun) error
	AdvanceRun(ctx context.Context, runID uuid.UUID, from, to model.RunStatus, retryCount int) error
	CompleteRun(ctx context.Context, run model.ConflictCheckRun, entry model.AuditEntry) error
	GetRun(ctx context.Context, firmID, runID uuid.UUID) (model.ConflictCheckRun, error)
	GetLatestRun(ctx context.Context, firmID, entityID uuid.UUID) (model.ConflictCheckRun, error)
	MarkRunsStale(ctx context.Context, entityID uuid.UUID) (int64, error)
	MarkRunsInapplicable(ctx context.Context, entityID uuid.UUID) (int64, error)
}

// Options tune run execution. Zero values select the defaults.
type Options struct {
	Thresholds      resolver.Thresholds
	TopK            int
	RetryCap        int           // max embedding retries for transient failures
	RetryBase       time.Duration // backoff base, doubled per attempt with jitter
	EmbedTimeout    time.Duration
	QueryTimeout    time.Duration
	BackfillWorkers int

	// OnTerminal, when set, receives every run that reaches a terminal
	// state, after its row and audit entry commit. It runs on its own
	// goroutine and must not block indefinitely.
	OnTerminal func(run model.ConflictCheckRun)
}

func (o *Options) applyDefaults() {
	if !o.Thresholds.Valid() {
		o.Thresholds = resolver.DefaultThresholds
	}
	if o.TopK <= 0 {
		o.TopK = 20
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 10 * time.Second
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.BackfillWorkers <= 0 {
		o.BackfillWorkers = 4
	}
}

// queuedRun is the single re-check reserved behind an in-flight run. The slot
// is taken under the engine mutex before the row insert, so runLoop must not
// execute it until ready closes; created reports whether the insert committed.
type queuedRun struct {
	id      uuid.UUID
	trigger model.RunTrigger
	ready   chan struct{} // closed once created is final
	created bool          // written before ready closes
}

// flight is the per-party execution slot. Its presence in the map means a run
// is executing; queued holds the single pending re-check, if any.
type flight struct {
	queued *queuedRun
}

// Engine drives conflict check runs from trigger to terminal state.
type Engine struct {
	store    Store
	embedder embedding.Provider
	idx      index.Index
	logger   *slog.Logger
	opts     Options

	mu      sync.Mutex
	flights map[uuid.UUID]*flight

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	checkDuration metric.Float64Histogram
	embedDuration metric.Float64Histogram
}

// New creates an Engine. Runs execute on background goroutines detached from
// the triggering request; Close drains them.
func New(store Store, embedder embedding.Provider, idx index.Index, logger *slog.Logger, opts Options) *Engine {
	opts.applyDefaults()

	meter := telemetry.Meter("conflictcheck/engine")
	checkDur, _ := meter.Float64Histogram("conflictcheck.run.duration",
		metric.WithDescription("Wall time of a conflict check run (ms)"),
		metric.WithUnit("ms"),
	)
	embedDur, _ := meter.Float64Histogram("conflictcheck.embedding.duration",
		metric.WithDescription("Time to embed party input, including retries (ms)"),
		metric.WithUnit("ms"),
	)

	runCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:         store,
		embedder:      embedder,
		idx:           idx,
		logger:        logger,
		opts:          opts,
		flights:       make(map[uuid.UUID]*flight),
		runCtx:        runCtx,
		stop:          stop,
		checkDuration: checkDur,
		embedDuration: embedDur,
	}
}

// TriggerCheck starts a conflict check for a party, or joins the queued one.
// Returns the run ID and whether the run was queued behind an in-flight run.
// While a run executes, every further trigger lands on the same queued run,
// so a burst of edits costs at most one re-check.
func (e *Engine) TriggerCheck(ctx context.Context, firmID, entityID uuid.UUID, trigger model.RunTrigger) (uuid.UUID, bool, error) {
	p, err := e.store.GetParty(ctx, firmID, entityID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("engine: trigger check: %w", err)
	}
	if !p.Active {
		return uuid.Nil, false, fmt.Errorf("%w: %s", ErrInactiveParty, entityID)
	}

	run := model.ConflictCheckRun{
		RunID:           uuid.New(),
		SubjectEntityID: entityID,
		FirmID:          firmID,
		Trigger:         trigger,
		Status:          model.RunStatusPending,
		InputHash:       model.ComputeInputHash(p.NormalizedName, p.NormalizedAliases()),
		StartedAt:       time.Now().UTC(),
	}

	e.mu.Lock()
	if f, inFlight := e.flights[entityID]; inFlight {
		if f.queued != nil {
			// Join the existing queued re-check.
			id := f.queued.id
			e.mu.Unlock()
			return id, true, nil
		}
		q := &queuedRun{id: run.RunID, trigger: trigger, ready: make(chan struct{})}
		f.queued = q
		e.mu.Unlock()

		// The row must be visible before runLoop picks the run up, so the
		// slot stays sealed until the insert settles.
		err := e.store.CreateRun(ctx, run)
		e.mu.Lock()
		q.created = err == nil
		if err != nil && f.queued == q {
			f.queued = nil
		}
		e.mu.Unlock()
		close(q.ready)

		if err != nil {
			return uuid.Nil, false, fmt.Errorf("engine: create queued run: %w", err)
		}
		e.logger.Info("engine: run queued behind in-flight check",
			"run_id", run.RunID, "entity_id", entityID, "trigger", trigger)
		return run.RunID, true, nil
	}
	e.flights[entityID] = &flight{}
	e.mu.Unlock()

	if err := e.store.CreateRun(ctx, run); err != nil {
		e.mu.Lock()
		delete(e.flights, entityID)
		e.mu.Unlock()
		return uuid.Nil, false, fmt.Errorf("engine: create run: %w", err)
	}

	e.wg.Add(1)
	go e.runLoop(firmID, entityID, run.RunID, trigger)
	return run.RunID, false, nil
}

// HandleEdit marks the party's prior verdicts stale and triggers a re-check.
func (e *Engine) HandleEdit(ctx context.Context, firmID, entityID uuid.UUID) (uuid.UUID, bool, error) {
	stale, err := e.store.MarkRunsStale(ctx, entityID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("engine: handle edit: %w", err)
	}
	if stale > 0 {
		e.logger.Info("engine: prior verdicts marked stale", "entity_id", entityID, "count", stale)
	}
	return e.TriggerCheck(ctx, firmID, entityID, model.TriggerClientEdit)
}

// HandleDeactivation removes the party's vector from the index and flags its
// runs inapplicable. The party row and audit trail are untouched.
func (e *Engine) HandleDeactivation(ctx context.Context, firmID, entityID uuid.UUID) error {
	if err := e.idx.Remove(ctx, entityID); err != nil {
		return fmt.Errorf("engine: remove from index: %w", err)
	}
	n, err := e.store.MarkRunsInapplicable(ctx, entityID)
	if err != nil {
		return fmt.Errorf("engine: handle deactivation: %w", err)
	}
	e.logger.Info("engine: party deactivated", "entity_id", entityID, "firm_id", firmID, "runs_flagged", n)
	return nil
}

// LatestVerdict returns the party's most recent run with explicit degraded
// and completeness markers.
func (e *Engine) LatestVerdict(ctx context.Context, firmID, entityID uuid.UUID) (model.VerdictResponse, error) {
	run, err := e.store.GetLatestRun(ctx, firmID, entityID)
	if err != nil {
		return model.VerdictResponse{}, err
	}
	return model.VerdictResponse{
		Run:      run,
		Degraded: run.Status == model.RunStatusDegradedResolved,
		Complete: run.Status == model.RunStatusResolved || run.Status == model.RunStatusDegradedResolved,
	}, nil
}

// Backfill rebuilds the vector index from persisted party embeddings, paging
// through storage with a bounded worker pool. Called once on startup when the
// index starts empty.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	var total int
	after := uuid.Nil
	for {
		batch, err := e.store.ListEmbeddedParties(ctx, after, 500)
		if err != nil {
			return total, fmt.Errorf("engine: backfill list: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		after = batch[len(batch)-1].EntityID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.BackfillWorkers)
		for _, p := range batch {
			g.Go(func() error {
				return e.idx.Upsert(gctx, index.Entry{
					EntityID: p.EntityID,
					FirmID:   p.FirmID,
					Vector:   p.Embedding.Slice(),
					Active:   p.Active,
				})
			})
		}
		if err := g.Wait(); err != nil {
			return total, fmt.Errorf("engine: backfill upsert: %w", err)
		}
		total += len(batch)
	}
}

// Close stops accepting new runs and waits for in-flight runs to finish.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// runLoop executes a party's run, then any re-check queued while it ran.
func (e *Engine) runLoop(firmID, entityID, runID uuid.UUID, trigger model.RunTrigger) {
	defer e.wg.Done()
	for {
		e.executeRun(e.runCtx, firmID, entityID, runID, trigger)

		q, ok := e.nextQueued(entityID)
		if !ok {
			return
		}
		runID, trigger = q.id, q.trigger
	}
}

// nextQueued dequeues the re-check reserved during the last run, waiting for
// its row to commit before handing it over. Reports false and releases the
// flight slot once no runnable re-check remains.
func (e *Engine) nextQueued(entityID uuid.UUID) (*queuedRun, bool) {
	for {
		e.mu.Lock()
		f := e.flights[entityID]
		if f == nil || f.queued == nil {
			delete(e.flights, entityID)
			e.mu.Unlock()
			return nil, false
		}
		q := f.queued
		f.queued = nil
		e.mu.Unlock()

		<-q.ready
		if q.created {
			return q, true
		}
		// The insert failed after the slot was taken. A later trigger may
		// have reserved a fresh run meanwhile, so look again.
	}
}
