// Package storetest holds the behaviour every ports.Store backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ports.Store

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newStore Factory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("credentials", func(t *testing.T) { testCredentials(t, newStore(t)) })
	t.Run("challenges", func(t *testing.T) { testChallenges(t, newStore(t)) })
	t.Run("concurrent consume", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
}

func NewUser(username string) domain.User {
	id := uuid.New()
	return domain.User{
		UserID:        id,
		DID:           domain.DeriveDID(id, username),
		Username:      username,
		DisplayName:   username,
		TrustScore:    domain.DefaultTrustScore,
		PassportLevel: domain.DefaultPassportLevel,
		Status:        domain.UserStatusActive,
		CreatedAt:     epoch,
		UpdatedAt:     epoch,
	}
}

func event(key string) ports.OutboxEvent {
	return ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    "test.event",
		PartitionKey: key,
		Payload:      []byte(`{"ok":true}`),
		OccurredAt:   epoch,
	}
}

func testUsers(t *testing.T, store ports.Store) {
	ctx := context.Background()
	email := "alice@example.com"
	alice := NewUser("alice")
	alice.Email = &email
	require.NoError(t, store.Users().Create(ctx, alice, event(alice.UserID.String())))

	got, err := store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, got.UserID)
	assert.Equal(t, alice.DID, got.DID)
	require.NotNil(t, got.Email)
	assert.Equal(t, email, *got.Email)

	got, err = store.Users().GetByEmail(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, got.UserID)

	got, err = store.Users().GetByID(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.InDelta(t, domain.DefaultTrustScore, got.TrustScore, 1e-9)
	assert.Equal(t, domain.UserStatusActive, got.Status)

	_, err = store.Users().GetByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	dup := NewUser("alice")
	assert.ErrorIs(t, store.Users().Create(ctx, dup), domain.ErrConflict)

	sameEmail := NewUser("alice2")
	sameEmail.Email = &email
	assert.ErrorIs(t, store.Users().Create(ctx, sameEmail), domain.ErrConflict)

	bob := NewUser("bob")
	cred := domain.Credential{CredentialID: "cred-bob", UserID: bob.UserID, PublicKey: []byte{1, 2}, CreatedAt: epoch}
	require.NoError(t, store.Users().CreateWithCredential(ctx, bob, cred))

	// a failing credential insert leaves no user behind
	carol := NewUser("carol")
	clash := domain.Credential{CredentialID: "cred-bob", UserID: carol.UserID, CreatedAt: epoch}
	assert.ErrorIs(t, store.Users().CreateWithCredential(ctx, carol, clash), domain.ErrConflict)
	_, err = store.Users().GetByUsername(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	key := domain.RegistrationBonusKey(alice.UserID)
	tx := domain.NextTransaction(nil, alice.UserID, domain.TransactionKindRegistrationBonus, 100, nil, epoch)
	tx.IdempotencyKey = &key
	require.NoError(t, store.Ledger().Append(ctx, tx))

	missing, err := store.Users().ListMissingTransactionKind(ctx, domain.TransactionKindRegistrationBonus, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{bob.UserID}, missing)
}

func testCredentials(t *testing.T, store ports.Store) {
	ctx := context.Background()
	user := NewUser("dave")
	require.NoError(t, store.Users().Create(ctx, user))

	cred := domain.Credential{
		CredentialID:    "cred-1",
		UserID:          user.UserID,
		PublicKey:       []byte{0xA, 0xB},
		SignCount:       0,
		DeviceType:      domain.DeviceTypeMulti,
		AttestationType: "none",
		Transports:      []string{"internal", "hybrid"},
		Material:        []byte(`{"id":"cred-1"}`),
		CreatedAt:       epoch,
	}
	require.NoError(t, store.Credentials().Create(ctx, cred))
	assert.ErrorIs(t, store.Credentials().Create(ctx, cred), domain.ErrConflict)

	got, err := store.Credentials().GetByID(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, cred.PublicKey, got.PublicKey)
	assert.Equal(t, cred.Transports, got.Transports)
	assert.Equal(t, cred.Material, got.Material)
	assert.Equal(t, domain.DeviceTypeMulti, got.DeviceType)

	list, err := store.Credentials().ListByUser(ctx, user.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	used := epoch.Add(time.Minute)
	require.NoError(t, store.Credentials().CompareAndSetSignCount(ctx, "cred-1", 0, 5, used))
	assert.ErrorIs(t, store.Credentials().CompareAndSetSignCount(ctx, "cred-1", 0, 6, used), domain.ErrReplayDetected)

	got, err = store.Credentials().GetByID(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.SignCount)
	require.NotNil(t, got.LastUsedAt)
	assert.False(t, got.Disabled())

	_, err = store.Credentials().GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	disabledAt := epoch.Add(2 * time.Minute)
	require.NoError(t, store.Credentials().Disable(ctx, "cred-1", disabledAt))
	require.NoError(t, store.Credentials().Disable(ctx, "cred-1", disabledAt.Add(time.Hour)))
	assert.ErrorIs(t, store.Credentials().Disable(ctx, "missing", disabledAt), domain.ErrNotFound)
	assert.ErrorIs(t, store.Credentials().CompareAndSetSignCount(ctx, "cred-1", 5, 6, used), domain.ErrReplayDetected)

	got, err = store.Credentials().GetByID(ctx, "cred-1")
	require.NoError(t, err)
	require.NotNil(t, got.DisabledAt)
	assert.True(t, got.DisabledAt.Equal(disabledAt))
	assert.Equal(t, uint32(5), got.SignCount)
}

func newChallenge(kind domain.ChallengeKind, userID *uuid.UUID) domain.Challenge {
	return domain.Challenge{
		ChallengeID:   uuid.New(),
		Nonce:         uuid.NewString(),
		Kind:          kind,
		UserID:        userID,
		SubjectID:     uuid.New(),
		Hint:          domain.IdentityHint{Username: "erin"},
		Origin:        "https://cue.example",
		CeremonyState: []byte(`{"challenge":"abc"}`),
		IssuedAt:      epoch,
		ExpiresAt:     epoch.Add(domain.DefaultChallengeTTL),
	}
}

func testChallenges(t *testing.T, store ports.Store) {
	ctx := context.Background()
	ch := newChallenge(domain.ChallengeKindRegistration, nil)
	require.NoError(t, store.Challenges().Create(ctx, ch))

	got, err := store.Challenges().Get(ctx, ch.ChallengeID)
	require.NoError(t, err)
	assert.Nil(t, got.UserID)
	assert.Equal(t, ch.Hint, got.Hint)
	assert.Equal(t, ch.SubjectID, got.SubjectID)

	consumed, err := store.Challenges().Consume(ctx, ch.ChallengeID, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ch.Nonce, consumed.Nonce)
	assert.Equal(t, ch.CeremonyState, consumed.CeremonyState)

	_, err = store.Challenges().Consume(ctx, ch.ChallengeID, epoch.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrChallengeInvalid)

	userID := uuid.New()
	expired := newChallenge(domain.ChallengeKindAuthentication, &userID)
	require.NoError(t, store.Challenges().Create(ctx, expired))
	_, err = store.Challenges().Consume(ctx, expired.ChallengeID, expired.ExpiresAt)
	assert.ErrorIs(t, err, domain.ErrChallengeInvalid)

	_, err = store.Challenges().Consume(ctx, uuid.New(), epoch)
	assert.ErrorIs(t, err, domain.ErrChallengeInvalid)

	removed, err := store.Challenges().DeleteStale(ctx, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func testConcurrentConsume(t *testing.T, store ports.Store) {
	ctx := context.Background()
	ch := newChallenge(domain.ChallengeKindRegistration, nil)
	require.NoError(t, store.Challenges().Create(ctx, ch))

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Challenges().Consume(ctx, ch.ChallengeID, epoch.Add(time.Second)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testSessions(t *testing.T, store ports.Store) {
	ctx := context.Background()
	userID := uuid.New()
	mk := func(issued time.Time) domain.Session {
		return domain.Session{
			SessionID:      uuid.New(),
			UserID:         userID,
			CredentialID:   "cred",
			DeviceName:     "laptop",
			IssuedAt:       issued,
			ExpiresAt:      issued.Add(24 * time.Hour),
			LastActivityAt: issued,
		}
	}
	first, second := mk(epoch), mk(epoch.Add(time.Minute))
	require.NoError(t, store.Sessions().Create(ctx, first))
	require.NoError(t, store.Sessions().Create(ctx, second))

	got, err := store.Sessions().GetByID(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "laptop", got.DeviceName)
	assert.Nil(t, got.RevokedAt)

	active, err := store.Sessions().ListActiveByUser(ctx, userID, epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.SessionID, active[0].SessionID)

	require.NoError(t, store.Sessions().RevokeByID(ctx, first.SessionID, epoch.Add(2*time.Hour)))
	got, err = store.Sessions().GetByID(ctx, first.SessionID)
	require.NoError(t, err)
	assert.ErrorIs(t, got.Check(epoch.Add(3*time.Hour)), domain.ErrSessionNotFound)

	assert.ErrorIs(t, store.Sessions().RevokeByID(ctx, uuid.New(), epoch), domain.ErrNotFound)

	revoked, err := store.Sessions().RevokeAllByUser(ctx, userID, epoch.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)

	active, err = store.Sessions().ListActiveByUser(ctx, userID, epoch.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, active)

	removed, err := store.Sessions().DeleteExpired(ctx, epoch.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func testLedger(t *testing.T, store ports.Store) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := store.Ledger().Latest(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first := domain.NextTransaction(nil, userID, domain.TransactionKindMining, 5, map[string]string{"activity": "chat_interaction"}, epoch)
	require.NoError(t, store.Ledger().Append(ctx, first, event(userID.String())))
	second := domain.NextTransaction(&first, userID, domain.TransactionKindMining, 3, nil, epoch.Add(time.Second))
	require.NoError(t, store.Ledger().Append(ctx, second))

	// same sequence again is rejected
	stale := domain.NextTransaction(&first, userID, domain.TransactionKindMining, 1, nil, epoch.Add(2*time.Second))
	assert.ErrorIs(t, store.Ledger().Append(ctx, stale), domain.ErrConflict)

	latest, err := store.Ledger().Latest(ctx, userID)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, latest.ResultingBalance, 1e-9)

	items, total, err := store.Ledger().List(ctx, userID, ports.LedgerQuery{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.InDelta(t, 8.0, items[0].ResultingBalance, 1e-9)
	assert.InDelta(t, 5.0, items[1].ResultingBalance, 1e-9)
	assert.Equal(t, "chat_interaction", items[1].Provenance["activity"])

	items, total, err = store.Ledger().List(ctx, userID, ports.LedgerQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].Sequence)

	key := "bonus-key"
	third := domain.NextTransaction(&second, userID, domain.TransactionKindDailyBonus, 55, nil, epoch.Add(3*time.Second))
	third.IdempotencyKey = &key
	require.NoError(t, store.Ledger().Append(ctx, third))

	fourth := domain.NextTransaction(&third, userID, domain.TransactionKindDailyBonus, 55, nil, epoch.Add(4*time.Second))
	fourth.IdempotencyKey = &key
	assert.ErrorIs(t, store.Ledger().Append(ctx, fourth), domain.ErrConflict)

	byKey, err := store.Ledger().GetByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, third.TransactionID, byKey.TransactionID)

	items, total, err = store.Ledger().List(ctx, userID, ports.LedgerQuery{Kind: domain.TransactionKindDailyBonus, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.InDelta(t, 63.0, items[0].ResultingBalance, 1e-9)

	// one registration_bonus per user, whatever the key
	bonus := domain.NextTransaction(&third, userID, domain.TransactionKindRegistrationBonus, 100, nil, epoch.Add(5*time.Second))
	require.NoError(t, store.Ledger().Append(ctx, bonus))
	otherKey := "another-bonus-key"
	again := domain.NextTransaction(&bonus, userID, domain.TransactionKindRegistrationBonus, 100, nil, epoch.Add(6*time.Second))
	again.IdempotencyKey = &otherKey
	assert.ErrorIs(t, store.Ledger().Append(ctx, again), domain.ErrConflict)
	_, err = store.Ledger().GetByIdempotencyKey(ctx, otherKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testOutbox(t *testing.T, store ports.Store) {
	ctx := context.Background()
	user := NewUser("frank")
	require.NoError(t, store.Users().Create(ctx, user, event("a"), event("b")))

	claimed, err := store.Outbox().ClaimUnpublished(ctx, 10, "token-1", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	again, err := store.Outbox().ClaimUnpublished(ctx, 10, "token-2", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	now := time.Now().UTC()
	require.NoError(t, store.Outbox().MarkPublished(ctx, claimed[0].OutboxID, "token-1", now))
	require.NoError(t, store.Outbox().MarkDeadLettered(ctx, claimed[1].OutboxID, "token-1", "boom", now))
	assert.Error(t, store.Outbox().MarkPublished(ctx, claimed[0].OutboxID, "token-1", now))
}
