package domain

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TransactionKind string

const (
	TransactionKindRegistrationBonus TransactionKind = "registration_bonus"
	TransactionKindMining            TransactionKind = "mining"
	TransactionKindDailyBonus        TransactionKind = "daily_bonus"
	TransactionKindSpending          TransactionKind = "spending"
	TransactionKindManualAdjustment  TransactionKind = "manual_adjustment"
	TransactionKindReward            TransactionKind = "reward"
)

func ValidTransactionKind(kind TransactionKind) bool {
	switch kind {
	case TransactionKindRegistrationBonus,
		TransactionKindMining,
		TransactionKindDailyBonus,
		TransactionKindSpending,
		TransactionKindManualAdjustment,
		TransactionKindReward:
		return true
	default:
		return false
	}
}

// LedgerTransaction is an immutable ledger entry.
// ResultingBalance always equals the previous entry's ResultingBalance plus Amount.
type LedgerTransaction struct {
	TransactionID    uuid.UUID         `json:"transaction_id"`
	UserID           uuid.UUID         `json:"user_id"`
	Sequence         int64             `json:"sequence"`
	Kind             TransactionKind   `json:"kind"`
	Amount           float64           `json:"amount"`
	ResultingBalance float64           `json:"resulting_balance"`
	IdempotencyKey   *string           `json:"idempotency_key,omitempty"`
	Provenance       map[string]string `json:"provenance,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// NextTransaction builds the entry that follows prev (nil for a user's first entry).
func NextTransaction(prev *LedgerTransaction, userID uuid.UUID, kind TransactionKind, amount float64, provenance map[string]string, at time.Time) LedgerTransaction {
	var (
		seq     int64 = 1
		balance float64
	)
	if prev != nil {
		seq = prev.Sequence + 1
		balance = prev.ResultingBalance
	}
	amount = RoundCurrency(amount, 4)
	return LedgerTransaction{
		TransactionID:    uuid.New(),
		UserID:           userID,
		Sequence:         seq,
		Kind:             kind,
		Amount:           amount,
		ResultingBalance: RoundCurrency(balance+amount, 4),
		Provenance:       cloneProvenance(provenance),
		CreatedAt:        at,
	}
}

func RegistrationBonusKey(userID uuid.UUID) string {
	return userID.String() + ":" + string(TransactionKindRegistrationBonus)
}

func RoundCurrency(value float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

func cloneProvenance(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type Activity string

const (
	ActivityChatInteraction  Activity = "chat_interaction"
	ActivityDataContribution Activity = "data_contribution"
	ActivityPlatformSync     Activity = "platform_sync"
	ActivityAchievement      Activity = "achievement"
	ActivityDailyBonus       Activity = "daily_bonus"
	ActivityManual           Activity = "manual"
)

var miningBase = map[Activity]float64{
	ActivityChatInteraction:  5,
	ActivityDataContribution: 20,
	ActivityPlatformSync:     15,
	ActivityAchievement:      50,
	ActivityDailyBonus:       10,
	ActivityManual:           10,
}

const (
	miningMultiplierMin  = 0.8
	miningMultiplierSpan = 0.4
)

// RandomSource yields values in [0, 1). *math/rand/v2.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

func ParseActivity(raw string) (Activity, bool) {
	a := Activity(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := miningBase[a]
	return a, ok
}

// MiningAmount maps an activity to its base reward scaled by a multiplier in [0.8, 1.2].
func MiningAmount(activity Activity, src RandomSource) (float64, error) {
	base, ok := miningBase[activity]
	if !ok {
		return 0, ErrInvalidInput
	}
	r := src.Float64()
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	multiplier := miningMultiplierMin + miningMultiplierSpan*r
	return RoundCurrency(base*multiplier, 2), nil
}

const (
	DailyBonusBase      = 50.0
	DailyBonusPerDay    = 5.0
	DailyBonusStreakCap = 100.0
)

func DailyBonusAmount(streak int) float64 {
	return DailyBonusBase + math.Min(float64(streak)*DailyBonusPerDay, DailyBonusStreakCap)
}

// CalendarDay truncates t to midnight of its calendar day in loc.
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// NextDailyStreak computes the streak a claim at now would carry, given the timestamps of
// earlier daily_bonus entries in most-recent-first order.
func NextDailyStreak(prior []time.Time, now time.Time, loc *time.Location) (int, error) {
	today := CalendarDay(now, loc)
	expected := today.AddDate(0, 0, -1)
	streak := 0
	for _, ts := range prior {
		day := CalendarDay(ts, loc)
		switch {
		case day.Equal(today):
			return 0, ErrAlreadyClaimedToday
		case day.Equal(expected):
			streak++
			expected = expected.AddDate(0, 0, -1)
		case day.After(expected):
			// same day as an entry already counted
			continue
		default:
			return streak + 1, nil
		}
	}
	return streak + 1, nil
}
