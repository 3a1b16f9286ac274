package application

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/cuepassport/internal/domain"
)

func TestIssueChallengeNonce(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	a, err := f.svc.IssueChallenge(ctx, ChallengeSpec{Kind: domain.ChallengeKindAuthentication})
	require.NoError(t, err)
	b, err := f.svc.IssueChallenge(ctx, ChallengeSpec{Kind: domain.ChallengeKindAuthentication})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(a.Challenge.Nonce)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw)*8, 128)
	assert.NotEqual(t, a.Challenge.Nonce, b.Challenge.Nonce)
	assert.Equal(t, a.Challenge.IssuedAt.Add(5*time.Minute), a.Challenge.ExpiresAt)
	assert.Nil(t, a.Challenge.UserID)

	_, err = f.svc.IssueChallenge(ctx, ChallengeSpec{Kind: "sms"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIssueChallengeHandsNonceToPrepare(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	var seen []byte
	issued, err := f.svc.IssueChallenge(context.Background(), ChallengeSpec{
		Kind: domain.ChallengeKindRegistration,
		Prepare: func(nonce []byte) ([]byte, json.RawMessage, error) {
			seen = append([]byte(nil), nonce...)
			return []byte("state"), []byte(`{"ok":true}`), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(seen), issued.Challenge.Nonce)
	assert.Equal(t, []byte("state"), issued.Challenge.CeremonyState)
	assert.JSONEq(t, `{"ok":true}`, string(issued.Options))
}

func TestConsumeChallengeExactlyOnceUnderContention(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	issued, err := f.svc.IssueChallenge(ctx, ChallengeSpec{Kind: domain.ChallengeKindRegistration})
	require.NoError(t, err)

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ConsumeChallenge(ctx, issued.Challenge.ChallengeID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, domain.ErrChallengeInvalid) {
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, rejected)
}

func TestConsumeUnknownOrExpiredChallenge(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	_, err := f.svc.ConsumeChallenge(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrChallengeInvalid)

	issued, err := f.svc.IssueChallenge(ctx, ChallengeSpec{Kind: domain.ChallengeKindAuthentication})
	require.NoError(t, err)
	f.clock.Advance(5*time.Minute + time.Millisecond)
	_, err = f.svc.ConsumeChallenge(ctx, issued.Challenge.ChallengeID)
	assert.ErrorIs(t, err, domain.ErrChallengeInvalid)

	removed, err := f.svc.PurgeChallenges(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
