package conflictcheck

import (
	"time"

	"github.com/google/uuid"
)

// Party mirrors the server's party record for API consumers.
// It omits the embedding vector (internal to the server).
type Party struct {
	EntityID       uuid.UUID `json:"entity_id"`
	FirmID         uuid.UUID `json:"firm_id"`
	DisplayName    string    `json:"display_name"`
	NormalizedName string    `json:"normalized_name"`
	AliasNames     []string  `json:"alias_names"`
	Role           string    `json:"role"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Candidate is one matched party from a conflict check run.
type Candidate struct {
	MatchedEntityID uuid.UUID   `json:"matched_entity_id"`
	SimilarityScore float64     `json:"similarity_score"`
	ThresholdTier   string      `json:"threshold_tier"`
	SameFirm        bool        `json:"same_firm"`
	CollapsedFrom   []uuid.UUID `json:"collapsed_from,omitempty"`
	ResolutionNote  *string     `json:"resolution_note,omitempty"`
}

// Run is one execution of the conflict check state machine for a party.
type Run struct {
	RunID           uuid.UUID   `json:"run_id"`
	SubjectEntityID uuid.UUID   `json:"subject_entity_id"`
	FirmID          uuid.UUID   `json:"firm_id"`
	Trigger         string      `json:"trigger"`
	Status          string      `json:"status"`
	Candidates      []Candidate `json:"candidates"`
	Verdict         *string     `json:"verdict,omitempty"`
	FailureReason   *string     `json:"failure_reason,omitempty"`
	InputHash       string      `json:"input_hash"`
	RetryCount      int         `json:"retry_count"`
	Stale           bool        `json:"stale"`
	Inapplicable    bool        `json:"inapplicable"`
	ReviewDecision  *string     `json:"review_decision,omitempty"`
	ReviewNote      *string     `json:"review_note,omitempty"`
	ReviewerID      *string     `json:"reviewer_id,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Run statuses.
const (
	RunStatusPending          = "pending"
	RunStatusEmbedding        = "embedding"
	RunStatusSearching        = "searching"
	RunStatusEvaluating       = "evaluating"
	RunStatusResolved         = "resolved"
	RunStatusDegradedResolved = "degraded-resolved"
	RunStatusFailed           = "failed"
)

// Verdicts.
const (
	VerdictClear             = "clear"
	VerdictPotentialConflict = "potential-conflict"
	VerdictBlocked           = "blocked"
)

// Reviewer decisions.
const (
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewWaived   = "waived"
)

// Party roles.
const (
	RoleClient       = "client"
	RoleCounterparty = "counterparty"
	RoleRelated      = "related-party"
)

// UpsertPartyRequest creates or updates a party. A nil EntityID creates.
type UpsertPartyRequest struct {
	EntityID    *uuid.UUID `json:"entity_id,omitempty"`
	FirmID      uuid.UUID  `json:"firm_id"`
	DisplayName string     `json:"display_name"`
	AliasNames  []string   `json:"alias_names,omitempty"`
	Role        string     `json:"role"`
}

// UpsertPartyResponse is returned from party create/update. RunID is the
// conflict check started (or joined) by the write; nil when the write
// changed nothing that affects the check.
type UpsertPartyResponse struct {
	Party   Party      `json:"party"`
	RunID   *uuid.UUID `json:"run_id,omitempty"`
	Queued  bool       `json:"queued"`
	Created bool       `json:"created"`
}

// TriggerCheckResponse is returned from a manual re-check request.
type TriggerCheckResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Queued bool      `json:"queued"`
}

// VerdictResponse is the latest-verdict payload: the run plus an explicit
// degradation distinction so a degraded or failed check is never presented
// as a clean clear.
type VerdictResponse struct {
	Run      Run  `json:"run"`
	Degraded bool `json:"degraded"`
	Complete bool `json:"complete"`
}

// ReviewRequest records a reviewer's decision on a resolved run.
type ReviewRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

// AuditEntry is one immutable record from the firm's audit trail.
type AuditEntry struct {
	EntryID         uuid.UUID `json:"entry_id"`
	RunID           uuid.UUID `json:"run_id"`
	FirmID          uuid.UUID `json:"firm_id"`
	SubjectEntityID uuid.UUID `json:"subject_entity_id"`
	Actor           string    `json:"actor"`
	DecisionSummary string    `json:"decision_summary"`
	InputHash       string    `json:"input_hash"`
	RetryCount      int       `json:"retry_count"`
	Timestamp       time.Time `json:"timestamp"`
	EntryHash       string    `json:"entry_hash"`
}

// AuditExportResponse is a paginated slice of the firm's audit trail.
type AuditExportResponse struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// AuditVerifyResponse reports a tamper-evidence sweep over an export window.
type AuditVerifyResponse struct {
	Checked          int         `json:"checked"`
	Intact           bool        `json:"intact"`
	TamperedEntryIDs []uuid.UUID `json:"tampered_entry_ids,omitempty"`
	TrailRoot        string      `json:"trail_root"`
}

// HealthResponse reports service liveness and database reachability.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
}
