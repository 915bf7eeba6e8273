package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/auth"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("key", "not-a-hash")
	assert.Error(t, err)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	firmID := uuid.New()
	token, expiresAt, err := mgr.IssueToken("reviewer-12", firmID, auth.RoleReviewer)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-12", claims.ReviewerID)
	assert.Equal(t, firmID, claims.FirmID)
	assert.Equal(t, auth.RoleReviewer, claims.Role)
}

func TestJWTRejectsExpired(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -1*time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("reviewer-1", uuid.New(), auth.RoleIntake)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTRejectsForeignKey(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	// Token signed by a different key pair.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "reviewer-1",
			Issuer:    "conflictcheck",
			Audience:  jwt.ClaimStrings{"conflictcheck"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ReviewerID: "reviewer-1",
		FirmID:     uuid.New(),
		Role:       auth.RoleAdmin,
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(otherPriv)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(forged)
	assert.Error(t, err)
}

func TestJWTRejectsMissingFirm(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("reviewer-1", uuid.Nil, auth.RoleIntake)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTManagerFromPEMFiles(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "jwt.key")
	pubPath := filepath.Join(dir, "jwt.pub")

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("reviewer-9", uuid.New(), auth.RoleAdmin)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-9", claims.ReviewerID)
}

func TestJWTManagerRejectsMismatchedKeyPair(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "jwt.key")
	pubPath := filepath.Join(dir, "jwt.pub")

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))
	pubDER, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	assert.Error(t, err)
}

func TestRoleAllows(t *testing.T) {
	assert.True(t, auth.RoleAdmin.Allows(auth.RoleReviewer))
	assert.True(t, auth.RoleReviewer.Allows(auth.RoleIntake))
	assert.True(t, auth.RoleIntake.Allows(auth.RoleIntake))
	assert.False(t, auth.RoleIntake.Allows(auth.RoleReviewer))
	assert.False(t, auth.Role("unknown").Allows(auth.RoleIntake))
}
