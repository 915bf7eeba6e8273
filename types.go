package conflictcheck

import (
	"time"

	"github.com/google/uuid"
)

// Role is a staff member's RBAC role. Roles are ranked: reviewer implies
// intake, admin implies both.
type Role string

const (
	RoleIntake   Role = "intake"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// StaffKey provisions one API key for token exchange. KeyHash is the
// argon2id hash of the key in PHC string format; the plaintext key is
// never held by the server.
type StaffKey struct {
	KeyHash string
	StaffID string
	FirmID  uuid.UUID
	Role    Role
}

// Run is the public representation of a conflict check run.
// It is a curated view of the internal run record for use in extension
// interfaces. No internal package imports — safe to use from outside the
// module.
type Run struct {
	RunID           uuid.UUID
	SubjectEntityID uuid.UUID
	FirmID          uuid.UUID
	Trigger         string
	Status          string
	Verdict         string // empty when the run failed or is inapplicable
	Candidates      []Candidate
	FailureReason   *string
	InputHash       string
	RetryCount      int
	Stale           bool
	Inapplicable    bool
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// Candidate is one matched party from a run, annotated with its similarity
// band.
type Candidate struct {
	MatchedEntityID uuid.UUID
	SimilarityScore float64
	ThresholdTier   string
	CollapsedFrom   []uuid.UUID
}

// IndexEntry is one party's live vector, as seen by an external VectorIndex.
type IndexEntry struct {
	EntityID uuid.UUID
	FirmID   uuid.UUID
	Vector   []float32
	Active   bool
}

// IndexResult is one neighbor from a top-k query, similarity in [0, 1].
type IndexResult struct {
	EntityID   uuid.UUID
	Similarity float64
}
