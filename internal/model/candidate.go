package model

import "github.com/google/uuid"

// ThresholdTier names the similarity band that classified a candidate.
type ThresholdTier string

const (
	// TierHigh marks candidates at or above the blocking threshold.
	TierHigh ThresholdTier = "high"
	// TierMid marks candidates in the manual-review band.
	TierMid ThresholdTier = "mid"
)

// ConflictCandidate is one matched party from a check run, annotated by the
// resolver. Candidates are stored highest similarity first; ties break on
// entity ID ascending so re-runs over identical input order identically.
type ConflictCandidate struct {
	MatchedEntityID uuid.UUID     `json:"matched_entity_id"`
	SimilarityScore float64       `json:"similarity_score"`
	ThresholdTier   ThresholdTier `json:"threshold_tier"`
	SameFirm        bool          `json:"same_firm"`
	// CollapsedFrom lists entity IDs merged into this candidate by
	// alias-aware grouping, if any.
	CollapsedFrom  []uuid.UUID `json:"collapsed_from,omitempty"`
	ResolutionNote *string     `json:"resolution_note,omitempty"`
}
