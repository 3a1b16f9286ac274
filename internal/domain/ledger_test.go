package domain

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func TestNextTransactionChainsBalances(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := NextTransaction(nil, userID, TransactionKindMining, 5, map[string]string{"activity": "chat"}, now)
	second := NextTransaction(&first, userID, TransactionKindMining, 3, nil, now.Add(time.Minute))
	third := NextTransaction(&second, userID, TransactionKindSpending, -2.5, nil, now.Add(2*time.Minute))

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, 5.0, first.ResultingBalance)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, 8.0, second.ResultingBalance)
	assert.Equal(t, 5.5, third.ResultingBalance)
	assert.Nil(t, second.Provenance)
	assert.Equal(t, "chat", first.Provenance["activity"])
}

func TestMiningAmountBounds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		activity Activity
		r        float64
		want     float64
	}{
		{name: "chat low", activity: ActivityChatInteraction, r: 0, want: 4},
		{name: "chat mid", activity: ActivityChatInteraction, r: 0.5, want: 5},
		{name: "achievement high", activity: ActivityAchievement, r: 1, want: 60},
		{name: "sync", activity: ActivityPlatformSync, r: 0.25, want: 13.5},
		{name: "clamped above", activity: ActivityDataContribution, r: 7, want: 24},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MiningAmount(tc.activity, fixedSource(tc.r))
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}

	_, err := MiningAmount(Activity("gambling"), fixedSource(0.5))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMiningAmountDeterministicForSeed(t *testing.T) {
	t.Parallel()
	a := rand.New(rand.NewPCG(7, 11))
	b := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 20; i++ {
		x, err := MiningAmount(ActivityDataContribution, a)
		require.NoError(t, err)
		y, err := MiningAmount(ActivityDataContribution, b)
		require.NoError(t, err)
		assert.Equal(t, x, y)
		assert.GreaterOrEqual(t, x, 16.0)
		assert.LessOrEqual(t, x, 24.0)
	}
}

func TestDailyBonusAmountCapsStreak(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 55.0, DailyBonusAmount(1))
	assert.Equal(t, 100.0, DailyBonusAmount(10))
	assert.Equal(t, 150.0, DailyBonusAmount(20))
	assert.Equal(t, 150.0, DailyBonusAmount(45))
}

func TestNextDailyStreak(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)
	day := func(offset int) time.Time { return now.AddDate(0, 0, offset).Add(-2 * time.Hour) }

	streak, err := NextDailyStreak(nil, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1, streak)

	streak, err = NextDailyStreak([]time.Time{day(-1), day(-2), day(-3)}, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 4, streak)

	streak, err = NextDailyStreak([]time.Time{day(-2), day(-3)}, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1, streak, "a missed day resets the streak")

	streak, err = NextDailyStreak([]time.Time{day(-1), day(-3)}, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2, streak)

	_, err = NextDailyStreak([]time.Time{now.Add(-time.Hour), day(-1)}, now, time.UTC)
	assert.ErrorIs(t, err, ErrAlreadyClaimedToday)
}

func TestNextDailyStreakUsesCalendarDaysInZone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 23:30 UTC on May 9 is already May 10 in UTC+10.
	prior := []time.Time{time.Date(2026, 5, 9, 23, 30, 0, 0, time.UTC)}
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	_, err := NextDailyStreak(prior, now, loc)
	assert.ErrorIs(t, err, ErrAlreadyClaimedToday)

	streak, err := NextDailyStreak(prior, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2, streak)
}

func TestRegistrationBonusKey(t *testing.T) {
	t.Parallel()
	id := uuid.MustParse("8b0e7c7a-3f0c-4d58-9a55-3f0d7f1d2a11")
	assert.Equal(t, "8b0e7c7a-3f0c-4d58-9a55-3f0d7f1d2a11:registration_bonus", RegistrationBonusKey(id))
}
