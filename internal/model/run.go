package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunTrigger records what caused a conflict check run.
type RunTrigger string

const (
	TriggerInitialIntake RunTrigger = "initial-intake"
	TriggerClientEdit    RunTrigger = "client-edit"
	TriggerManualRecheck RunTrigger = "manual-recheck"
)

// RunStatus is the lifecycle state of a conflict check run.
//
// PENDING → EMBEDDING → SEARCHING → EVALUATING → RESOLVED
// with FAILED and DEGRADED-RESOLVED as alternate terminals.
type RunStatus string

const (
	RunStatusPending          RunStatus = "pending"
	RunStatusEmbedding        RunStatus = "embedding"
	RunStatusSearching        RunStatus = "searching"
	RunStatusEvaluating       RunStatus = "evaluating"
	RunStatusResolved         RunStatus = "resolved"
	RunStatusDegradedResolved RunStatus = "degraded-resolved"
	RunStatusFailed           RunStatus = "failed"
)

// Terminal reports whether the status is an end state. A terminal run is
// immutable except for reviewer decisions and the stale marker.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusResolved, RunStatusDegradedResolved, RunStatusFailed:
		return true
	}
	return false
}

// Verdict is the outcome of a resolved check.
type Verdict string

const (
	VerdictClear             Verdict = "clear"
	VerdictPotentialConflict Verdict = "potential-conflict"
	VerdictBlocked           Verdict = "blocked"
)

// ReviewDecision is a reviewer's override of a run verdict.
type ReviewDecision string

const (
	ReviewApproved ReviewDecision = "approved"
	ReviewRejected ReviewDecision = "rejected"
	ReviewWaived   ReviewDecision = "waived"
)

// ConflictCheckRun is one execution of the check state machine for a party.
// Created at trigger time; immutable once terminal (reviewer decision and
// staleness marker excepted — both annotate, never rewrite, the outcome).
type ConflictCheckRun struct {
	RunID           uuid.UUID           `json:"run_id"`
	SubjectEntityID uuid.UUID           `json:"subject_entity_id"`
	FirmID          uuid.UUID           `json:"firm_id"`
	Trigger         RunTrigger          `json:"trigger"`
	Status          RunStatus           `json:"status"`
	Candidates      []ConflictCandidate `json:"candidates"`
	Verdict         *Verdict            `json:"verdict,omitempty"`
	FailureReason   *string             `json:"failure_reason,omitempty"`
	InputHash       string              `json:"input_hash"`
	RetryCount      int                 `json:"retry_count"`
	Stale           bool                `json:"stale"`
	Inapplicable    bool                `json:"inapplicable"`
	ReviewDecision  *ReviewDecision     `json:"review_decision,omitempty"`
	ReviewNote      *string             `json:"review_note,omitempty"`
	ReviewerID      *string             `json:"reviewer_id,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// ComputeInputHash hashes the normalized name and alias set a run evaluated.
// Two runs over an unchanged party produce the same hash, which is what makes
// re-checks auditable as genuine re-evaluations rather than new inputs.
func ComputeInputHash(normalizedName string, normalizedAliases []string) string {
	h := sha256.New()
	h.Write([]byte(normalizedName))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(normalizedAliases, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}
