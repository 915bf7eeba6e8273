package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/auth"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/engine"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/integrity"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/storage"
)

const defaultMaxRequestBodyBytes = 1 << 20 // 1 MiB

// auditVerifyPageSize is the page size the verify sweep reads the trail with.
const auditVerifyPageSize = 500

// StaffKey is a provisioned API key a staff member or integration exchanges
// for a JWT. Only the argon2id hash of the key is held in memory.
type StaffKey struct {
	KeyHash string
	StaffID string
	FirmID  uuid.UUID
	Role    auth.Role
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	engine              *engine.Engine
	jwtMgr              *auth.JWTManager
	staffKeys           []StaffKey
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps bundles the dependencies for NewHandlers.
// Optional (nil-safe): OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Engine              *engine.Engine
	JWTMgr              *auth.JWTManager
	StaffKeys           []StaffKey
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodyBytes
	}
	return &Handlers{
		db:                  deps.DB,
		engine:              deps.Engine,
		jwtMgr:              deps.JWTMgr,
		staffKeys:           deps.StaffKeys,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         deps.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token. Exchanges a provisioned API key
// for a JWT carrying the key's staff identity, firm, and role.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	var matched *StaffKey
	for i := range h.staffKeys {
		ok, err := auth.VerifyAPIKey(req.APIKey, h.staffKeys[i].KeyHash)
		if err != nil {
			h.writeInternalError(w, r, "failed to verify api key", err)
			return
		}
		if ok {
			matched = &h.staffKeys[i]
			break
		}
	}
	if matched == nil {
		// Burn comparable time so a miss is indistinguishable from a mismatch.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(matched.StaffID, matched.FirmID, matched.Role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued", "staff_id", matched.StaffID, "firm_id", matched.FirmID, "role", matched.Role)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleUpsertParty handles POST /v1/parties. Creating a party triggers an
// initial conflict check; changing its name or aliases marks prior verdicts
// stale and triggers a re-check. A write that leaves the check input
// unchanged starts no new run.
func (h *Handlers) HandleUpsertParty(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.UpsertPartyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.FirmID != claims.FirmID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "firm_id does not match token")
		return
	}

	party := model.PartyRecord{
		EntityID:       uuid.New(),
		FirmID:         req.FirmID,
		DisplayName:    req.DisplayName,
		NormalizedName: model.NormalizeName(req.DisplayName),
		AliasNames:     req.AliasNames,
		Role:           req.Role,
		Active:         true,
	}

	created := true
	var priorHash string
	if req.EntityID != nil {
		party.EntityID = *req.EntityID
		existing, err := h.db.GetParty(r.Context(), claims.FirmID, *req.EntityID)
		switch {
		case err == nil:
			created = false
			if !existing.Active {
				writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "party is deactivated")
				return
			}
			priorHash = model.ComputeInputHash(existing.NormalizedName, existing.NormalizedAliases())
		case errors.Is(err, storage.ErrNotFound):
			// Client-assigned ID for a new party.
		default:
			h.writeInternalError(w, r, "failed to load party", err)
			return
		}
	}

	if err := h.db.UpsertParty(r.Context(), party); err != nil {
		h.writeInternalError(w, r, "failed to upsert party", err)
		return
	}

	newHash := model.ComputeInputHash(party.NormalizedName, party.NormalizedAliases())
	resp := model.UpsertPartyResponse{Party: party, Created: created}

	switch {
	case created:
		runID, queued, err := h.engine.TriggerCheck(r.Context(), claims.FirmID, party.EntityID, model.TriggerInitialIntake)
		if errors.Is(err, storage.ErrNotFound) {
			// The upsert was a cross-firm no-op: the entity_id belongs to
			// another firm, so nothing was written for this one.
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "entity_id is already in use")
			return
		}
		if err != nil {
			h.writeInternalError(w, r, "failed to trigger check", err)
			return
		}
		resp.RunID = &runID
		resp.Queued = queued
	case newHash != priorHash:
		runID, queued, err := h.engine.HandleEdit(r.Context(), claims.FirmID, party.EntityID)
		if err != nil {
			h.writeInternalError(w, r, "failed to trigger re-check", err)
			return
		}
		resp.RunID = &runID
		resp.Queued = queued
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, resp)
}

// HandleTriggerCheck handles POST /v1/parties/{entity_id}/check.
// Starts a manual re-check, or joins the queued one if a run is in flight.
func (h *Handlers) HandleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	entityID, ok := h.pathUUID(w, r, "entity_id")
	if !ok {
		return
	}

	runID, queued, err := h.engine.TriggerCheck(r.Context(), claims.FirmID, entityID, model.TriggerManualRecheck)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "party not found")
		return
	case errors.Is(err, engine.ErrInactiveParty):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "party is deactivated")
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to trigger check", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.TriggerCheckResponse{RunID: runID, Queued: queued})
}

// HandleDeactivateParty handles DELETE /v1/parties/{entity_id}.
// The record survives for audit; only the Active flag is cleared, the vector
// leaves the index, and the party's runs are flagged inapplicable.
func (h *Handlers) HandleDeactivateParty(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	entityID, ok := h.pathUUID(w, r, "entity_id")
	if !ok {
		return
	}

	if err := h.db.DeactivateParty(r.Context(), claims.FirmID, entityID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "party not found")
			return
		}
		h.writeInternalError(w, r, "failed to deactivate party", err)
		return
	}
	if err := h.engine.HandleDeactivation(r.Context(), claims.FirmID, entityID); err != nil {
		h.writeInternalError(w, r, "failed to process deactivation", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleGetVerdict handles GET /v1/parties/{entity_id}/verdict.
// Returns the party's most recent run with explicit degraded and
// completeness markers.
func (h *Handlers) HandleGetVerdict(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	entityID, ok := h.pathUUID(w, r, "entity_id")
	if !ok {
		return
	}

	verdict, err := h.engine.LatestVerdict(r.Context(), claims.FirmID, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no runs for party")
			return
		}
		h.writeInternalError(w, r, "failed to load verdict", err)
		return
	}

	writeJSON(w, r, http.StatusOK, verdict)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, ok := h.pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	run, err := h.db.GetRun(r.Context(), claims.FirmID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleDecision handles POST /v1/runs/{run_id}/decision.
// Records a reviewer's decision on a flagged run and appends the decision to
// the audit trail in the same transaction.
func (h *Handlers) HandleDecision(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, ok := h.pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.SetRunDecision(r.Context(), claims.FirmID, runID, req.Decision, req.Note, claims.ReviewerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	case errors.Is(err, storage.ErrNotReviewable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to record decision", err)
		return
	}

	h.logger.Info("review decision recorded",
		"run_id", runID, "decision", req.Decision, "reviewer_id", claims.ReviewerID)
	writeJSON(w, r, http.StatusOK, run)
}

// HandleAuditByEntity handles GET /v1/parties/{entity_id}/audit.
// Returns the party's audit trail oldest-first.
func (h *Handlers) HandleAuditByEntity(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	entityID, ok := h.pathUUID(w, r, "entity_id")
	if !ok {
		return
	}

	entries, err := h.db.ListAuditByEntity(r.Context(), claims.FirmID, entityID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load audit trail", err)
		return
	}

	writeJSON(w, r, http.StatusOK, entries)
}

// HandleAuditExport handles GET /v1/audit?from=&to=&limit=&offset=.
// Exports the firm's audit trail for a time range, paginated.
func (h *Handlers) HandleAuditExport(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	q := r.URL.Query()

	from, to, ok := parseTimeRange(w, r)
	if !ok {
		return
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be non-negative")
			return
		}
		offset = n
	}

	entries, total, err := h.db.ListAuditByRange(r.Context(), claims.FirmID, from, to, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to export audit trail", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuditExportResponse{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// HandleAuditVerify handles GET /v1/audit/verify?from=&to=.
// Recomputes every entry hash in the window and reports any entry whose
// stored fields no longer match, plus the Merkle root over the window.
func (h *Handlers) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	from, to, ok := parseTimeRange(w, r)
	if !ok {
		return
	}

	resp := model.AuditVerifyResponse{Intact: true}
	var window []model.AuditEntry
	for offset := 0; ; {
		entries, total, err := h.db.ListAuditByRange(r.Context(), claims.FirmID, from, to, auditVerifyPageSize, offset)
		if err != nil {
			h.writeInternalError(w, r, "failed to load audit trail", err)
			return
		}
		for _, e := range entries {
			if !integrity.VerifyEntryHash(e) {
				resp.Intact = false
				resp.TamperedEntryIDs = append(resp.TamperedEntryIDs, e.EntryID)
			}
		}
		window = append(window, entries...)
		offset += len(entries)
		if offset >= total || len(entries) == 0 {
			break
		}
	}

	resp.Checked = len(window)
	resp.TrailRoot = integrity.TrailRoot(window)

	if !resp.Intact {
		h.logger.Error("audit trail verification failed",
			"firm_id", claims.FirmID, "tampered", len(resp.TamperedEntryIDs))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{Status: "ok", Version: h.version, Database: "ok"}
	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// parseTimeRange reads the from/to query parameters, defaulting to an
// open start and a now-closed end. Writes a 400 on malformed input.
func parseTimeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from, to := time.Time{}, time.Now().UTC()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from must be RFC3339")
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "to must be RFC3339")
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	return from, to, true
}

// pathUUID parses a UUID path segment, writing a 400 on failure.
func (h *Handlers) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
