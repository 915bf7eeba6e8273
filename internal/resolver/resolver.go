// Package resolver maps raw nearest-neighbor matches to conflict candidates
// and a verdict.
package resolver

import (
	"sort"

	"github.com/google/uuid"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
)

// Thresholds are the similarity cutoffs for the two conflict bands.
// High at or above blocks intake; Mid at or above flags for review.
type Thresholds struct {
	High float64
	Mid  float64
}

// DefaultThresholds are the production cutoffs.
var DefaultThresholds = Thresholds{High: 0.93, Mid: 0.80}

// Valid reports whether the thresholds are ordered and inside (0, 1].
func (t Thresholds) Valid() bool {
	return t.Mid > 0 && t.High <= 1 && t.Mid < t.High
}

// Match pairs a similarity hit with the matched party's record.
type Match struct {
	Party      *model.PartyRecord
	Similarity float64

	collapsedFrom []uuid.UUID
}

// Result is the classified outcome for a single check.
type Result struct {
	Candidates []model.ConflictCandidate
	Verdict    model.Verdict
}

// Classify filters, collapses, and orders matches for a subject party.
//
// Matches against the subject itself are dropped. Matches whose normalized
// alias sets overlap within the same firm are collapsed into one candidate
// carrying the highest score, with the absorbed entity IDs recorded. The
// verdict is the highest band any surviving candidate reaches. Output order
// is score descending, entity ID ascending on ties, so an unchanged input
// always yields an identical result.
func Classify(subject *model.PartyRecord, matches []Match, t Thresholds) Result {
	if !t.Valid() {
		t = DefaultThresholds
	}

	kept := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Party == nil || m.Party.EntityID == subject.EntityID {
			continue
		}
		if m.Similarity < t.Mid {
			continue
		}
		kept = append(kept, m)
	}
	kept = collapseAliases(kept)

	candidates := make([]model.ConflictCandidate, 0, len(kept))
	verdict := model.VerdictClear
	for _, m := range kept {
		tier := model.TierMid
		if m.Similarity >= t.High {
			tier = model.TierHigh
			verdict = model.VerdictBlocked
		} else if verdict != model.VerdictBlocked {
			verdict = model.VerdictPotentialConflict
		}
		candidates = append(candidates, model.ConflictCandidate{
			MatchedEntityID: m.Party.EntityID,
			SimilarityScore: m.Similarity,
			ThresholdTier:   tier,
			SameFirm:        m.Party.FirmID == subject.FirmID,
			CollapsedFrom:   m.collapsedFrom,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SimilarityScore != candidates[j].SimilarityScore {
			return candidates[i].SimilarityScore > candidates[j].SimilarityScore
		}
		return candidates[i].MatchedEntityID.String() < candidates[j].MatchedEntityID.String()
	})
	return Result{Candidates: candidates, Verdict: verdict}
}

// collapseAliases merges same-firm matches whose normalized alias sets
// intersect. The survivor is the highest-scoring member; the rest are
// recorded on it. Cross-firm matches never merge, even with identical names.
func collapseAliases(matches []Match) []Match {
	if len(matches) < 2 {
		return matches
	}
	// Highest score first so each group's first member is its survivor.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Party.EntityID.String() < matches[j].Party.EntityID.String()
	})

	type member struct {
		match   Match
		aliases map[string]struct{}
	}
	out := make([]*member, 0, len(matches))
next:
	for _, m := range matches {
		aliases := aliasSet(m.Party)
		for _, grp := range out {
			if grp.match.Party.FirmID != m.Party.FirmID {
				continue
			}
			if !intersects(grp.aliases, aliases) {
				continue
			}
			grp.match.collapsedFrom = append(grp.match.collapsedFrom, m.Party.EntityID)
			for a := range aliases {
				grp.aliases[a] = struct{}{}
			}
			continue next
		}
		out = append(out, &member{match: m, aliases: aliases})
	}

	merged := make([]Match, len(out))
	for i, grp := range out {
		sortUUIDs(grp.match.collapsedFrom)
		merged[i] = grp.match
	}
	return merged
}

func aliasSet(p *model.PartyRecord) map[string]struct{} {
	set := make(map[string]struct{})
	for _, a := range p.NormalizedAliases() {
		set[a] = struct{}{}
	}
	return set
}

func intersects(a, b map[string]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
