package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSessionCheck(t *testing.T) {
	t.Parallel()
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Session{SessionID: uuid.New(), IssuedAt: issued, ExpiresAt: issued.Add(24 * time.Hour)}

	assert.NoError(t, s.Check(issued))
	assert.NoError(t, s.Check(issued.Add(24*time.Hour-time.Second)))
	assert.ErrorIs(t, s.Check(issued.Add(24*time.Hour)), ErrSessionExpired)

	revokedAt := issued.Add(time.Hour)
	s.RevokedAt = &revokedAt
	err := s.Check(issued.Add(2 * time.Hour))
	assert.ErrorIs(t, err, ErrSessionRevoked)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeriveDIDStable(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	a := DeriveDID(id, "Alice")
	b := DeriveDID(id, "alice")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "did:cue:"))
	assert.Len(t, strings.TrimPrefix(a, "did:cue:"), 40)
	assert.NotEqual(t, a, DeriveDID(uuid.New(), "alice"))
}

func TestChallengeUsable(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	c := Challenge{IssuedAt: now, ExpiresAt: now.Add(DefaultChallengeTTL)}
	assert.True(t, c.Usable(now))
	assert.False(t, c.Usable(now.Add(DefaultChallengeTTL)))
	c.ConsumedAt = &now
	assert.False(t, c.Usable(now))
}

func TestIsDomainError(t *testing.T) {
	t.Parallel()
	assert.True(t, IsDomainError(ErrConflict))
	assert.True(t, IsDomainError(ErrSessionRevoked))
	assert.False(t, IsDomainError(errors.New("connection reset")))
	assert.False(t, IsDomainError(nil))
}
