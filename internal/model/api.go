package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for party input. These bound what flows into the
// embedding pipeline and Postgres TEXT columns.
const (
	MaxNameLen    = 500
	MaxAliasCount = 50
	MaxNoteLen    = 8 * 1024
)

// UpsertPartyRequest creates or updates a party record. Any change to the
// name or alias set invalidates the prior verdict and triggers a fresh run.
type UpsertPartyRequest struct {
	EntityID    *uuid.UUID `json:"entity_id,omitempty"` // nil = create
	FirmID      uuid.UUID  `json:"firm_id"`
	DisplayName string     `json:"display_name"`
	AliasNames  []string   `json:"alias_names"`
	Role        PartyRole  `json:"role"`
}

// Validate checks field limits and enum values.
func (r UpsertPartyRequest) Validate() error {
	if r.FirmID == uuid.Nil {
		return fmt.Errorf("firm_id is required")
	}
	if NormalizeName(r.DisplayName) == "" {
		return fmt.Errorf("display_name is required")
	}
	if len(r.DisplayName) > MaxNameLen {
		return fmt.Errorf("display_name exceeds maximum length of %d", MaxNameLen)
	}
	if len(r.AliasNames) > MaxAliasCount {
		return fmt.Errorf("alias_names exceeds maximum count of %d", MaxAliasCount)
	}
	for i, a := range r.AliasNames {
		if len(a) > MaxNameLen {
			return fmt.Errorf("alias_names[%d] exceeds maximum length of %d", i, MaxNameLen)
		}
	}
	switch r.Role {
	case RoleClient, RoleCounterparty, RoleRelated:
	default:
		return fmt.Errorf("role must be one of client, counterparty, related-party")
	}
	return nil
}

// ReviewRequest records a reviewer's decision on a resolved run.
type ReviewRequest struct {
	Decision ReviewDecision `json:"decision"`
	Note     string         `json:"note"`
}

// Validate checks the decision enum and note length.
func (r ReviewRequest) Validate() error {
	switch r.Decision {
	case ReviewApproved, ReviewRejected, ReviewWaived:
	default:
		return fmt.Errorf("decision must be one of approved, rejected, waived")
	}
	if len(r.Note) > MaxNoteLen {
		return fmt.Errorf("note exceeds maximum length of %d", MaxNoteLen)
	}
	return nil
}

// VerdictResponse is the latest-verdict payload: the run plus an explicit
// degradation distinction so a degraded or failed check can never be
// presented as a clean clear.
type VerdictResponse struct {
	Run      ConflictCheckRun `json:"run"`
	Degraded bool             `json:"degraded"`
	Complete bool             `json:"complete"` // false for FAILED runs
}

// AuthTokenRequest exchanges a provisioned staff API key for a JWT.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries the issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UpsertPartyResponse is returned from party create/update. RunID is the
// conflict check started (or joined) by the write; it is nil when the write
// changed nothing that affects the check.
type UpsertPartyResponse struct {
	Party   PartyRecord `json:"party"`
	RunID   *uuid.UUID  `json:"run_id,omitempty"`
	Queued  bool        `json:"queued"`
	Created bool        `json:"created"`
}

// TriggerCheckResponse is returned from a manual re-check request.
type TriggerCheckResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Queued bool      `json:"queued"`
}

// AuditExportResponse is a paginated slice of the firm's audit trail.
type AuditExportResponse struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// AuditVerifyResponse reports a tamper-evidence sweep over an export window.
// TrailRoot is the Merkle root over the window's entry hashes; exporting
// parties can record it to later prove the window was not rewritten.
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

// APIResponse is the standard response envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in API responses.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)
