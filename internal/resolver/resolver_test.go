package resolver

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
)

func party(firmID uuid.UUID, name string, aliases ...string) *model.PartyRecord {
	return &model.PartyRecord{
		EntityID:       uuid.New(),
		FirmID:         firmID,
		DisplayName:    name,
		NormalizedName: model.NormalizeName(name),
		AliasNames:     aliases,
		Role:           model.RoleClient,
		Active:         true,
	}
}

func TestClassifyBands(t *testing.T) {
	firmID := uuid.New()
	subject := party(firmID, "Northwind Trading LLC")

	tests := []struct {
		name       string
		similarity float64
		verdict    model.Verdict
		tier       model.ThresholdTier
		kept       bool
	}{
		{"above high", 0.95, model.VerdictBlocked, model.TierHigh, true},
		{"exactly high", 0.93, model.VerdictBlocked, model.TierHigh, true},
		{"mid band", 0.85, model.VerdictPotentialConflict, model.TierMid, true},
		{"exactly mid", 0.80, model.VerdictPotentialConflict, model.TierMid, true},
		{"below mid", 0.79, model.VerdictClear, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := party(firmID, "Northwind Traders")
			res := Classify(subject, []Match{{Party: other, Similarity: tt.similarity}}, DefaultThresholds)
			assert.Equal(t, tt.verdict, res.Verdict)
			if !tt.kept {
				assert.Empty(t, res.Candidates)
				return
			}
			require.Len(t, res.Candidates, 1)
			assert.Equal(t, other.EntityID, res.Candidates[0].MatchedEntityID)
			assert.Equal(t, tt.tier, res.Candidates[0].ThresholdTier)
			assert.True(t, res.Candidates[0].SameFirm)
		})
	}
}

func TestClassifyDropsSelfMatch(t *testing.T) {
	firmID := uuid.New()
	subject := party(firmID, "Acme Holdings")

	res := Classify(subject, []Match{{Party: subject, Similarity: 1.0}}, DefaultThresholds)
	assert.Equal(t, model.VerdictClear, res.Verdict)
	assert.Empty(t, res.Candidates)
}

func TestClassifyEmptyInput(t *testing.T) {
	subject := party(uuid.New(), "Solo Ventures")
	res := Classify(subject, nil, DefaultThresholds)
	assert.Equal(t, model.VerdictClear, res.Verdict)
	assert.Empty(t, res.Candidates)
}

func TestClassifyCollapsesAliases(t *testing.T) {
	firmID := uuid.New()
	subject := party(firmID, "Gulf Commercial Bank")

	// Two records for the same person, one under a spelling variant alias.
	a := party(firmID, "Ahmed Al Mansouri", "Ahmed AlMansouri")
	b := party(firmID, "Ahmed AlMansouri")
	res := Classify(subject, []Match{
		{Party: a, Similarity: 0.95},
		{Party: b, Similarity: 0.94},
	}, DefaultThresholds)

	assert.Equal(t, model.VerdictBlocked, res.Verdict)
	require.Len(t, res.Candidates, 1, "overlapping aliases must merge into one candidate")
	c := res.Candidates[0]
	assert.Equal(t, a.EntityID, c.MatchedEntityID, "survivor is the highest-scoring member")
	assert.Equal(t, 0.95, c.SimilarityScore)
	assert.Equal(t, []uuid.UUID{b.EntityID}, c.CollapsedFrom)
}

func TestClassifyNeverCollapsesAcrossFirms(t *testing.T) {
	firmA, firmB := uuid.New(), uuid.New()
	subject := party(firmA, "Meridian Capital")

	a := party(firmA, "Omar Haddad")
	b := party(firmB, "Omar Haddad")
	res := Classify(subject, []Match{
		{Party: a, Similarity: 0.90},
		{Party: b, Similarity: 0.89},
	}, DefaultThresholds)

	require.Len(t, res.Candidates, 2)
	assert.True(t, res.Candidates[0].SameFirm)
	assert.False(t, res.Candidates[1].SameFirm)
}

func TestClassifyOrdering(t *testing.T) {
	firmID := uuid.New()
	subject := party(firmID, "Subject Co")

	low := party(firmID, "Alpha Industries")
	high := party(firmID, "Beta Industries")
	tieA := party(firmID, "Gamma Industries")
	tieB := party(firmID, "Delta Industries")
	matches := []Match{
		{Party: low, Similarity: 0.81},
		{Party: tieA, Similarity: 0.85},
		{Party: high, Similarity: 0.96},
		{Party: tieB, Similarity: 0.85},
	}

	res := Classify(subject, matches, DefaultThresholds)
	require.Len(t, res.Candidates, 4)
	assert.Equal(t, high.EntityID, res.Candidates[0].MatchedEntityID)
	assert.Equal(t, low.EntityID, res.Candidates[3].MatchedEntityID)
	// Equal scores break ties on entity ID, so ordering is stable.
	wantTie := []uuid.UUID{tieA.EntityID, tieB.EntityID}
	if wantTie[1].String() < wantTie[0].String() {
		wantTie[0], wantTie[1] = wantTie[1], wantTie[0]
	}
	assert.Equal(t, wantTie[0], res.Candidates[1].MatchedEntityID)
	assert.Equal(t, wantTie[1], res.Candidates[2].MatchedEntityID)

	again := Classify(subject, matches, DefaultThresholds)
	assert.Equal(t, res, again)
}

func TestClassifyVerdictMonotonic(t *testing.T) {
	firmID := uuid.New()
	subject := party(firmID, "Subject Co")
	other := party(firmID, "Other Co")

	rank := map[model.Verdict]int{
		model.VerdictClear:             0,
		model.VerdictPotentialConflict: 1,
		model.VerdictBlocked:           2,
	}
	prev := -1
	for sim := 0.50; sim <= 1.0; sim += 0.01 {
		res := Classify(subject, []Match{{Party: other, Similarity: sim}}, DefaultThresholds)
		cur := rank[res.Verdict]
		assert.GreaterOrEqual(t, cur, prev, "verdict severity must not drop as similarity rises (sim=%.2f)", sim)
		prev = cur
	}
}

func TestClassifyInvalidThresholdsFallBack(t *testing.T) {
	firmID := uuid.New()
	subject := party(firmID, "Subject Co")
	other := party(firmID, "Other Co")

	res := Classify(subject, []Match{{Party: other, Similarity: 0.95}}, Thresholds{High: 0.2, Mid: 0.9})
	assert.Equal(t, model.VerdictBlocked, res.Verdict)
}

func TestThresholdsValid(t *testing.T) {
	assert.True(t, DefaultThresholds.Valid())
	assert.False(t, Thresholds{High: 0.8, Mid: 0.9}.Valid())
	assert.False(t, Thresholds{High: 1.2, Mid: 0.8}.Valid())
	assert.False(t, Thresholds{}.Valid())
}
