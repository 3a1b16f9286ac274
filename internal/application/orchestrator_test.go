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

func register(t *testing.T, f fixture, username, credentialID string) AuthResult {
	t.Helper()
	ctx := context.Background()
	start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: username}})
	require.NoError(t, err)
	require.Equal(t, FlowRegister, start.Flow)
	res, err := f.svc.Complete(ctx, CompleteRequest{
		ChallengeID:        start.ChallengeID,
		CredentialResponse: registrationResponse(start, credentialID),
		Device:             domain.DeviceMeta{DeviceName: "pixel"},
	})
	require.NoError(t, err)
	return res
}

func TestRegistrationProvisionsPassportAndBonus(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	res := register(t, f, "Alice", "cred-alice")
	assert.Equal(t, FlowRegister, res.Flow)
	assert.Equal(t, "alice", res.User.Username)
	assert.InDelta(t, 0.5, res.User.TrustScore, 1e-9)
	assert.Equal(t, 1, res.User.PassportLevel)
	assert.Equal(t, domain.UserStatusActive, res.User.Status)
	assert.Contains(t, res.User.DID, "did:cue:")
	require.NotNil(t, res.BonusAwarded)
	assert.InDelta(t, 100.0, *res.BonusAwarded, 1e-9)
	assert.InDelta(t, 100.0, res.User.CueBalance, 1e-9)
	assert.NotEmpty(t, res.Session.Token)
	assert.Equal(t, "cred-alice", res.Session.CredentialID)

	cred, err := f.store.Credentials().GetByID(ctx, "cred-alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), cred.SignCount)
	assert.Equal(t, res.User.UserID, cred.UserID)

	_, err = f.svc.ValidateSession(ctx, res.Session.SessionID)
	require.NoError(t, err)

	page, err := f.svc.History(ctx, res.User.UserID, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.TransactionKindRegistrationBonus, page.Items[0].Kind)
}

func TestRegistrationWithoutHintGeneratesUsername(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	start, err := f.svc.Start(ctx, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, FlowRegister, start.Flow)
	assert.NotEmpty(t, start.PublicKey)

	res, err := f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: registrationResponse(start, "cred-anon")})
	require.NoError(t, err)
	assert.Regexp(t, `^cue-[0-9a-f]{8}$`, res.User.Username)
}

func TestAuthenticationAdvancesCounterAndRejectsReplay(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	registered := register(t, f, "bob", "cred-bob")

	start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, FlowAuthenticate, start.Flow)
	assert.Equal(t, []string{"cred-bob"}, start.AllowedCredentials)

	res, err := f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: assertionResponse(start, "cred-bob", 1, nil)})
	require.NoError(t, err)
	assert.Equal(t, FlowAuthenticate, res.Flow)
	assert.Equal(t, registered.User.UserID, res.User.UserID)
	assert.InDelta(t, 100.0, res.User.CueBalance, 1e-9)
	assert.Nil(t, res.BonusAwarded)

	replay, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "bob"}})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: replay.ChallengeID, CredentialResponse: assertionResponse(replay, "cred-bob", 1, nil)})
	assert.ErrorIs(t, err, domain.ErrReplayDetected)

	cred, err := f.store.Credentials().GetByID(ctx, "cred-bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cred.SignCount)
}

func TestReplayDisablesCredential(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	registered := register(t, f, "bob", "cred-bob")
	hint := domain.IdentityHint{Username: "bob"}

	first, err := f.svc.Start(ctx, StartRequest{Hint: hint})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: first.ChallengeID, CredentialResponse: assertionResponse(first, "cred-bob", 5, nil)})
	require.NoError(t, err)

	// both issued while the credential is still usable
	replayed, err := f.svc.Start(ctx, StartRequest{Hint: hint})
	require.NoError(t, err)
	later, err := f.svc.Start(ctx, StartRequest{Hint: hint})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: replayed.ChallengeID, CredentialResponse: assertionResponse(replayed, "cred-bob", 5, nil)})
	assert.ErrorIs(t, err, domain.ErrReplayDetected)

	cred, err := f.store.Credentials().GetByID(ctx, "cred-bob")
	require.NoError(t, err)
	require.True(t, cred.Disabled())
	assert.Equal(t, uint32(5), cred.SignCount)

	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: later.ChallengeID, CredentialResponse: assertionResponse(later, "cred-bob", 6, nil)})
	assert.ErrorIs(t, err, domain.ErrReplayDetected)

	handle := registered.User.UserID
	discoverable, err := f.svc.Start(ctx, StartRequest{Discoverable: true})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: discoverable.ChallengeID, CredentialResponse: assertionResponse(discoverable, "cred-bob", 7, &handle)})
	assert.ErrorIs(t, err, domain.ErrReplayDetected)

	_, err = f.svc.Start(ctx, StartRequest{Hint: hint})
	assert.ErrorIs(t, err, domain.ErrReplayDetected)

	sessions, err := f.svc.ListSessions(ctx, registered.User.UserID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRegistrationKeepsAttestedCounter(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "hana"}})
	require.NoError(t, err)
	nonce, err := base64.RawURLEncoding.DecodeString(start.Challenge)
	require.NoError(t, err)
	attested, err := json.Marshal(fakeResponse{Nonce: nonce, CredentialID: "cred-hana", SignCount: 7})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: attested})
	require.NoError(t, err)

	cred, err := f.store.Credentials().GetByID(ctx, "cred-hana")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cred.SignCount)

	login, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "hana"}})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: login.ChallengeID, CredentialResponse: assertionResponse(login, "cred-hana", 8, nil)})
	require.NoError(t, err)
}

func TestAuthenticationResolvesByEmail(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "carol", Email: "Carol@Example.com"}})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: registrationResponse(start, "cred-carol")})
	require.NoError(t, err)

	start, err = f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Email: "carol@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, FlowAuthenticate, start.Flow)
}

func TestZeroCounterAuthenticatorsAreConfigGated(t *testing.T) {
	t.Parallel()
	for _, allow := range []bool{false, true} {
		mem := newMemoryFixture().store
		f := newFixture(mem, mem, Config{AllowZeroSignCount: allow})
		ctx := context.Background()
		register(t, f, "dana", "cred-dana")

		start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "dana"}})
		require.NoError(t, err)
		_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: assertionResponse(start, "cred-dana", 0, nil)})
		if allow {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, domain.ErrReplayDetected)
		}
	}
}

func TestDiscoverableAuthentication(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	registered := register(t, f, "erin", "cred-erin")

	start, err := f.svc.Start(ctx, StartRequest{Discoverable: true})
	require.NoError(t, err)
	assert.Equal(t, FlowAuthenticate, start.Flow)
	assert.Empty(t, start.AllowedCredentials)

	challenge, err := f.store.Challenges().Get(ctx, start.ChallengeID)
	require.NoError(t, err)
	assert.Nil(t, challenge.UserID)

	handle := registered.User.UserID
	res, err := f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: assertionResponse(start, "cred-erin", 3, &handle)})
	require.NoError(t, err)
	assert.Equal(t, registered.User.UserID, res.User.UserID)
}

func TestCompleteConsumesChallengeOnce(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "frank"}})
	require.NoError(t, err)
	req := CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: registrationResponse(start, "cred-frank")}
	_, err = f.svc.Complete(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, req)
	assert.ErrorIs(t, err, domain.ErrChallengeInvalid)
}

func TestCompleteRejectsExpiredChallenge(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "gina"}})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: registrationResponse(start, "cred-gina")})
	assert.ErrorIs(t, err, domain.ErrChallengeInvalid)
}

func TestCompleteRejectsTamperedResponse(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "hank"}})
	require.NoError(t, err)
	other, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "hank"}})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, CompleteRequest{ChallengeID: start.ChallengeID, CredentialResponse: registrationResponse(other, "cred-hank")})
	assert.ErrorIs(t, err, domain.ErrCeremonyRejected)
}

func TestConcurrentRegistrationYieldsOneUserAndOneBonus(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	const attempts = 8
	starts := make([]StartResponse, attempts)
	for i := range starts {
		start, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "ivy"}})
		require.NoError(t, err)
		starts[i] = start
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []AuthResult
		conflicts int
	)
	for i, start := range starts {
		wg.Add(1)
		go func(i int, start StartResponse) {
			defer wg.Done()
			res, err := f.svc.Complete(ctx, CompleteRequest{
				ChallengeID:        start.ChallengeID,
				CredentialResponse: registrationResponse(start, "cred-ivy-"+string(rune('a'+i))),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes = append(successes, res)
				return
			}
			if assert.ErrorIs(t, err, domain.ErrConflict) {
				conflicts++
			}
		}(i, start)
	}
	wg.Wait()

	require.Len(t, successes, 1)
	assert.Equal(t, attempts-1, conflicts)

	page, err := f.svc.History(ctx, successes[0].User.UserID, HistoryQuery{Kind: domain.TransactionKindRegistrationBonus})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestStartRejectsSuspendedUser(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()

	user := domain.User{
		UserID:   uuid.New(),
		DID:      "did:cue:suspended",
		Username: "jack",
		Status:   domain.UserStatusSuspended,
	}
	require.NoError(t, f.store.Users().Create(ctx, user))
	_, err := f.svc.Start(ctx, StartRequest{Hint: domain.IdentityHint{Username: "jack"}})
	assert.ErrorIs(t, err, domain.ErrUserSuspended)
}

func TestStartValidatesHint(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	_, err := f.svc.Start(context.Background(), StartRequest{Hint: domain.IdentityHint{Email: "not-an-email"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
