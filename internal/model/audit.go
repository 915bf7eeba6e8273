package model

import (
	"time"

	"github.com/google/uuid"
)

// ActorSystem is the actor recorded on engine-written audit entries.
// Reviewer-written entries carry the reviewer's ID instead.
const ActorSystem = "system"

// AuditEntry is one append-only record in the compliance trail. Every
// terminal run gets exactly one system entry, written in the same
// transaction as the run's terminal update; reviewer overrides append
// additional entries referencing the same run.
type AuditEntry struct {
	EntryID         uuid.UUID `json:"entry_id"`
	RunID           uuid.UUID `json:"run_id"`
	FirmID          uuid.UUID `json:"firm_id"`
	SubjectEntityID uuid.UUID `json:"subject_entity_id"`
	Actor           string    `json:"actor"`
	DecisionSummary string    `json:"decision_summary"`
	// InputHash and RetryCount are duplicated from the run so an audit
	// export is self-contained for reviewers without run-table access.
	InputHash  string    `json:"input_hash"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
	// EntryHash is the tamper-evidence digest over the fields above,
	// computed at insert time. See internal/integrity.
	EntryHash string `json:"entry_hash"`
}
