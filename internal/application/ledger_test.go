package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/cuepassport/internal/adapters/memory"
	"github.com/viralforge/cuepassport/internal/domain"
)

func provision(t *testing.T, f fixture, username string) domain.User {
	t.Helper()
	user, err := f.svc.Provision(context.Background(), domain.IdentityHint{Username: username})
	require.NoError(t, err)
	return user
}

func TestCreditChainsBalances(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	alice := provision(t, f, "alice")

	_, err := f.svc.Credit(ctx, CreditInput{UserID: alice.UserID, Kind: domain.TransactionKindMining, Amount: 5, Provenance: map[string]string{"activity": "chat_interaction"}})
	require.NoError(t, err)
	_, err = f.svc.Credit(ctx, CreditInput{UserID: alice.UserID, Kind: domain.TransactionKindMining, Amount: 3, Provenance: map[string]string{"activity": "chat_interaction"}})
	require.NoError(t, err)

	balance, err := f.svc.Balance(ctx, alice.UserID)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, balance, 1e-9)

	page, err := f.svc.History(ctx, alice.UserID, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.InDelta(t, 8.0, page.Items[0].ResultingBalance, 1e-9)
	assert.InDelta(t, 5.0, page.Items[1].ResultingBalance, 1e-9)
	assert.Equal(t, 20, page.Limit)
}

func TestBalanceWithoutEntriesIsZero(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	balance, err := f.svc.Balance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestCreditValidation(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	user := provision(t, f, "val")

	cases := []CreditInput{
		{UserID: user.UserID, Kind: domain.TransactionKindMining, Amount: 0},
		{UserID: user.UserID, Kind: domain.TransactionKindMining, Amount: -4},
		{UserID: user.UserID, Kind: "bogus", Amount: 1},
		{UserID: user.UserID, Kind: domain.TransactionKindSpending, Amount: 1},
		{UserID: user.UserID, Kind: domain.TransactionKindDailyBonus, Amount: 55},
		{Kind: domain.TransactionKindMining, Amount: 1},
	}
	for _, in := range cases {
		_, err := f.svc.Credit(ctx, in)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "%+v", in)
	}

	_, err := f.svc.Credit(ctx, CreditInput{UserID: uuid.New(), Kind: domain.TransactionKindReward, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreditIdempotencyKeyReturnsFirstEntry(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	user := provision(t, f, "kim")

	in := CreditInput{UserID: user.UserID, Kind: domain.TransactionKindReward, Amount: 12, IdempotencyKey: "campaign-7"}
	first, err := f.svc.Credit(ctx, in)
	require.NoError(t, err)
	second, err := f.svc.Credit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	balance, err := f.svc.Balance(ctx, user.UserID)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, balance, 1e-9)
}

func TestCreditIdempotencyKeyReuseWithDifferentCreditConflicts(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	kim := provision(t, f, "kim")
	lou := provision(t, f, "lou")

	_, err := f.svc.Credit(ctx, CreditInput{UserID: kim.UserID, Kind: domain.TransactionKindReward, Amount: 12, IdempotencyKey: "campaign-8"})
	require.NoError(t, err)

	mismatched := []CreditInput{
		{UserID: lou.UserID, Kind: domain.TransactionKindReward, Amount: 12, IdempotencyKey: "campaign-8"},
		{UserID: kim.UserID, Kind: domain.TransactionKindMining, Amount: 12, IdempotencyKey: "campaign-8"},
		{UserID: kim.UserID, Kind: domain.TransactionKindReward, Amount: 13, IdempotencyKey: "campaign-8"},
	}
	for _, in := range mismatched {
		_, err := f.svc.Credit(ctx, in)
		assert.ErrorIs(t, err, domain.ErrConflict, "%+v", in)
	}

	balance, err := f.svc.Balance(ctx, lou.UserID)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestRegistrationBonusCreditedOncePerUser(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	alice := register(t, f, "alice", "cred-alice").User

	for _, key := range []string{"", "another-key"} {
		tx, err := f.svc.Credit(ctx, CreditInput{
			UserID:         alice.UserID,
			Kind:           domain.TransactionKindRegistrationBonus,
			Amount:         100,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.RegistrationBonusKey(alice.UserID), *tx.IdempotencyKey)
	}
	_, err := f.svc.Credit(ctx, CreditInput{UserID: alice.UserID, Kind: domain.TransactionKindRegistrationBonus, Amount: 250})
	assert.ErrorIs(t, err, domain.ErrConflict)

	page, err := f.svc.History(ctx, alice.UserID, HistoryQuery{Kind: domain.TransactionKindRegistrationBonus})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	balance, err := f.svc.Balance(ctx, alice.UserID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, balance, 1e-9)
}

func TestDebitAcceptsOnlyDebitKinds(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	user := provision(t, f, "mo")

	_, err := f.svc.Credit(ctx, CreditInput{UserID: user.UserID, Kind: domain.TransactionKindReward, Amount: 50})
	require.NoError(t, err)

	for _, kind := range []domain.TransactionKind{
		domain.TransactionKindRegistrationBonus,
		domain.TransactionKindDailyBonus,
		domain.TransactionKindMining,
		domain.TransactionKindReward,
	} {
		_, err := f.svc.Debit(ctx, DebitInput{UserID: user.UserID, Kind: kind, Amount: 1})
		assert.ErrorIs(t, err, domain.ErrInvalidInput, kind)
	}

	tx, err := f.svc.Debit(ctx, DebitInput{UserID: user.UserID, Kind: domain.TransactionKindManualAdjustment, Amount: 5})
	require.NoError(t, err)
	assert.InDelta(t, 45.0, tx.ResultingBalance, 1e-9)
}

func TestDebitRejectsOverdraft(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	user := provision(t, f, "lee")

	_, err := f.svc.Credit(ctx, CreditInput{UserID: user.UserID, Kind: domain.TransactionKindReward, Amount: 10})
	require.NoError(t, err)

	_, err = f.svc.Debit(ctx, DebitInput{UserID: user.UserID, Amount: 10.01})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	tx, err := f.svc.Debit(ctx, DebitInput{UserID: user.UserID, Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionKindSpending, tx.Kind)
	assert.InDelta(t, -4.0, tx.Amount, 1e-9)
	assert.InDelta(t, 6.0, tx.ResultingBalance, 1e-9)

	page, err := f.svc.History(ctx, user.UserID, HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestMineUsesInjectedRandomSource(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	user := provision(t, f, "max")

	tx, err := f.svc.Mine(ctx, user.UserID, "data_contribution", map[string]string{"session": "s1"})
	require.NoError(t, err)
	// fixture source returns 0.5: multiplier 1.0
	assert.InDelta(t, 20.0, tx.Amount, 1e-9)
	assert.Equal(t, "data_contribution", tx.Provenance["activity"])
	assert.Equal(t, "s1", tx.Provenance["session"])

	_, err = f.svc.Mine(ctx, user.UserID, "teleportation", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDailyBonusStreaks(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	user := provision(t, f, "nia")

	res, err := f.svc.ClaimDailyBonus(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak)
	assert.InDelta(t, 55.0, res.Transaction.Amount, 1e-9)

	_, err = f.svc.ClaimDailyBonus(ctx, user.UserID)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimedToday)
	_, err = f.svc.Credit(ctx, CreditInput{UserID: user.UserID, Kind: domain.TransactionKindDailyBonus, Amount: 150})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	today, err := f.svc.History(ctx, user.UserID, HistoryQuery{Kind: domain.TransactionKindDailyBonus})
	require.NoError(t, err)
	assert.Equal(t, 1, today.Total)

	f.clock.Advance(24 * time.Hour)
	res, err = f.svc.ClaimDailyBonus(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Streak)
	assert.InDelta(t, 60.0, res.Transaction.Amount, 1e-9)

	f.clock.Advance(48 * time.Hour)
	res, err = f.svc.ClaimDailyBonus(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak)

	page, err := f.svc.History(ctx, user.UserID, HistoryQuery{Kind: domain.TransactionKindDailyBonus})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

func TestConcurrentCreditsSerializePerUser(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	a := provision(t, f, "ola")
	b := provision(t, f, "pia")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		for _, id := range []uuid.UUID{a.UserID, b.UserID} {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, err := f.svc.Credit(ctx, CreditInput{UserID: id, Kind: domain.TransactionKindReward, Amount: 1})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range []uuid.UUID{a.UserID, b.UserID} {
		page, err := f.svc.History(ctx, id, HistoryQuery{Limit: 100})
		require.NoError(t, err)
		require.Len(t, page.Items, n)
		for i, tx := range page.Items {
			assert.Equal(t, int64(n-i), tx.Sequence)
			assert.InDelta(t, float64(n-i), tx.ResultingBalance, 1e-9)
		}
	}
}

func TestHistoryClampsLimitAndRejectsBadKind(t *testing.T) {
	t.Parallel()
	f := newMemoryFixture()
	ctx := context.Background()
	page, err := f.svc.History(ctx, uuid.New(), HistoryQuery{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit)
	assert.NotNil(t, page.Items)

	_, err = f.svc.History(ctx, uuid.New(), HistoryQuery{Kind: "gift"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReadsRetryOnceAndWritesNever(t *testing.T) {
	t.Parallel()
	mem := memory.NewStore()
	flaky := &flakyLedger{LedgerRepository: mem.Ledger()}
	f := newFixture(&flakyStore{Store: mem, ledger: flaky}, mem, Config{})
	ctx := context.Background()
	user := provision(t, f, "quinn")

	flaky.failReads = 1
	_, err := f.svc.Balance(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.latestCalls)

	flaky.failReads = 2
	_, err = f.svc.Balance(ctx, user.UserID)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	flaky.failWrites = 1
	_, err = f.svc.Credit(ctx, CreditInput{UserID: user.UserID, Kind: domain.TransactionKindReward, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, 1, flaky.appendCalls)
}

func TestRegistrationBonusDeferredThenReconciled(t *testing.T) {
	t.Parallel()
	mem := memory.NewStore()
	flaky := &flakyLedger{LedgerRepository: mem.Ledger()}
	f := newFixture(&flakyStore{Store: mem, ledger: flaky}, mem, Config{})
	ctx := context.Background()

	flaky.failWrites = 1
	res := register(t, f, "rosa", "cred-rosa")
	assert.True(t, res.BonusPending)
	assert.Nil(t, res.BonusAwarded)

	credited, err := f.svc.ReconcileRegistrationBonuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)

	credited, err = f.svc.ReconcileRegistrationBonuses(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited)

	balance, err := f.svc.Balance(ctx, res.User.UserID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, balance, 1e-9)
}
