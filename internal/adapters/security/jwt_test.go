package security

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

func TestJWTSignerRoundTrip(t *testing.T) {
	t.Parallel()
	signer, err := NewEphemeralJWTSigner("k1", "cue-passport")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	claims := ports.SessionClaims{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		DID:       "did:cue:abc",
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	got, err := signer.ParseAndValidate(token)
	require.NoError(t, err)
	assert.Equal(t, claims.UserID, got.UserID)
	assert.Equal(t, claims.SessionID, got.SessionID)
	assert.Equal(t, claims.DID, got.DID)
	assert.Equal(t, "k1", got.KeyID)
	assert.True(t, claims.ExpiresAt.Equal(got.ExpiresAt))

	keys, err := signer.PublicJWKs()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "RS256", keys[0]["alg"])
}

func TestJWTSignerExpiry(t *testing.T) {
	t.Parallel()
	signer, err := NewEphemeralJWTSigner("k1", "cue-passport")
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return now }
	token, err := signer.Sign(ports.SessionClaims{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	signer.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = signer.ParseAndValidate(token)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestJWTSignerRejectsForeignTokens(t *testing.T) {
	t.Parallel()
	signer, err := NewEphemeralJWTSigner("k1", "cue-passport")
	require.NoError(t, err)
	other, err := NewEphemeralJWTSigner("k2", "cue-passport")
	require.NoError(t, err)

	now := time.Now().UTC()
	token, err := other.Sign(ports.SessionClaims{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = signer.ParseAndValidate(token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = signer.ParseAndValidate("not-a-token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	wrongIssuer, err := NewEphemeralJWTSigner("k1", "someone-else")
	require.NoError(t, err)
	wrongIssuer.privateKey = signer.privateKey
	token, err = wrongIssuer.Sign(ports.SessionClaims{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = signer.ParseAndValidate(token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestNewJWTSignerRequiresKeys(t *testing.T) {
	t.Parallel()
	_, err := NewJWTSigner("", "iss", "a", "b")
	assert.Error(t, err)
	_, err = NewJWTSigner("k", "iss", "", "")
	assert.Error(t, err)
	_, err = NewJWTSigner("k", "iss", "garbage", "garbage")
	assert.Error(t, err)
}
