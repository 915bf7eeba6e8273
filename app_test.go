package conflictcheck_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conflictcheck "github.com/maryamyalansari-spec/onboarding-platform"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/auth"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/testutil"
)

// fakeEmbedder derives a deterministic unit vector from the input text, so
// the App runs end to end without a model server.
type fakeEmbedder struct{ dims int }

func (e fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	seed := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewChaCha8(seed))
	vec := make([]float32, e.dims)
	var norm float64
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (e fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e fakeEmbedder) Dimensions() int { return e.dims }

// recordingHook collects every terminal run the App reports.
type recordingHook struct {
	mu   sync.Mutex
	runs []conflictcheck.Run
}

func (h *recordingHook) OnRunTerminal(run conflictcheck.Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
}

func (h *recordingHook) snapshot() []conflictcheck.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]conflictcheck.Run(nil), h.runs...)
}

func TestAppEmbedded(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	firmID := uuid.New()
	hook := &recordingHook{}

	app, err := conflictcheck.New(
		conflictcheck.WithDatabaseURL(tc.DSN),
		conflictcheck.WithLogger(testutil.TestLogger()),
		conflictcheck.WithVersion("test"),
		conflictcheck.WithEmbeddingProvider(fakeEmbedder{dims: 64}),
		conflictcheck.WithStaffKey(mustAppStaffKey(t, "app-intake-key", "intake-1", firmID, conflictcheck.RoleIntake)),
		conflictcheck.WithVerdictHook(hook),
	)
	require.NoError(t, err)
	defer func() { _ = app.Shutdown(context.Background()) }()

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	// Health is served unauthenticated.
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Exchange the option-registered staff key for a token.
	token := appGetToken(t, ts.URL, "app-intake-key")

	// Intake a party; the triggered run must reach a terminal state and be
	// reported to the hook.
	created := appCreateParty(t, ts.URL, token, firmID, "Meridian Holdings LLC")

	require.Eventually(t, func() bool {
		for _, r := range hook.snapshot() {
			if r.SubjectEntityID == created.Party.EntityID {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "verdict hook never saw the intake run")

	var run conflictcheck.Run
	for _, r := range hook.snapshot() {
		if r.SubjectEntityID == created.Party.EntityID {
			run = r
		}
	}
	assert.Equal(t, firmID, run.FirmID)
	assert.Equal(t, string(model.TriggerInitialIntake), run.Trigger)
	assert.Equal(t, string(model.RunStatusResolved), run.Status)
	assert.Equal(t, string(model.VerdictClear), run.Verdict)
	assert.NotEmpty(t, run.InputHash)
	assert.NotNil(t, run.CompletedAt)

	// A near-identical second intake must flag against the first.
	dup := appCreateParty(t, ts.URL, token, firmID, "Meridian Holdings LLC")

	require.Eventually(t, func() bool {
		for _, r := range hook.snapshot() {
			if r.SubjectEntityID == dup.Party.EntityID {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	for _, r := range hook.snapshot() {
		if r.SubjectEntityID == dup.Party.EntityID {
			assert.Equal(t, string(model.VerdictBlocked), r.Verdict)
			require.NotEmpty(t, r.Candidates)
			assert.Equal(t, created.Party.EntityID, r.Candidates[0].MatchedEntityID)
			assert.Equal(t, string(model.TierHigh), r.Candidates[0].ThresholdTier)
		}
	}
}

func mustAppStaffKey(t *testing.T, apiKey, staffID string, firmID uuid.UUID, role conflictcheck.Role) conflictcheck.StaffKey {
	t.Helper()
	hash, err := auth.HashAPIKey(apiKey)
	require.NoError(t, err)
	return conflictcheck.StaffKey{KeyHash: hash, StaffID: staffID, FirmID: firmID, Role: role}
}

func appGetToken(t *testing.T, baseURL, apiKey string) string {
	t.Helper()
	body, _ := json.Marshal(model.AuthTokenRequest{APIKey: apiKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", string(data))
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	require.NotEmpty(t, result.Data.Token)
	return result.Data.Token
}

func appCreateParty(t *testing.T, baseURL, token string, firmID uuid.UUID, name string) model.UpsertPartyResponse {
	t.Helper()
	payload, _ := json.Marshal(model.UpsertPartyRequest{
		FirmID:      firmID,
		DisplayName: name,
		Role:        model.RoleClient,
	})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/parties", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))
	var result struct {
		Data model.UpsertPartyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data
}
