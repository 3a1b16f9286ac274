package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

// streakWindow bounds how many prior daily_bonus entries are read. The bonus stops growing
// after 20 consecutive days.
const streakWindow = 32

func validateCredit(in CreditInput) error {
	if in.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	switch {
	case !domain.ValidTransactionKind(in.Kind):
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidInput, in.Kind)
	case in.Kind == domain.TransactionKindSpending, in.Kind == domain.TransactionKindDailyBonus:
		// daily_bonus is written only by ClaimDailyBonus
		return fmt.Errorf("%w: kind %q cannot be credited", domain.ErrInvalidInput, in.Kind)
	}
	if in.Amount <= 0 || domain.RoundCurrency(in.Amount, 4) == 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	return nil
}

func validateDebit(in DebitInput) error {
	if in.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	switch in.Kind {
	case domain.TransactionKindSpending, domain.TransactionKindManualAdjustment:
	default:
		return fmt.Errorf("%w: kind %q cannot be debited", domain.ErrInvalidInput, in.Kind)
	}
	if domain.RoundCurrency(in.Amount, 4) <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	return nil
}

// Credit appends a positive entry. With an idempotency key, a repeated credit returns the
// entry written the first time. A registration_bonus always carries the per-user bonus key,
// so a user holds at most one.
func (s *Service) Credit(ctx context.Context, in CreditInput) (domain.LedgerTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.credit")
	defer span.End()

	if err := validateCredit(in); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if in.Kind == domain.TransactionKindRegistrationBonus {
		in.IdempotencyKey = domain.RegistrationBonusKey(in.UserID)
	}
	if in.IdempotencyKey != "" {
		existing, err := s.transactionByKey(ctx, in.IdempotencyKey)
		if err == nil {
			return replayedCredit(existing, in)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.LedgerTransaction{}, err
		}
	}
	if _, err := s.GetUser(ctx, in.UserID); err != nil {
		return domain.LedgerTransaction{}, err
	}

	tx, err := s.appendLocked(ctx, in.UserID, func(prev *domain.LedgerTransaction) (domain.LedgerTransaction, error) {
		next := domain.NextTransaction(prev, in.UserID, in.Kind, in.Amount, in.Provenance, s.nowFn())
		if in.IdempotencyKey != "" {
			key := in.IdempotencyKey
			next.IdempotencyKey = &key
		}
		return next, nil
	})
	if errors.Is(err, domain.ErrConflict) && in.IdempotencyKey != "" {
		// lost the race to a concurrent writer with the same key
		if existing, lookupErr := s.transactionByKey(ctx, in.IdempotencyKey); lookupErr == nil {
			return replayedCredit(existing, in)
		}
	}
	return tx, err
}

// replayedCredit returns the entry stored under a reused idempotency key, or ErrConflict
// when the key was first used for a different credit.
func replayedCredit(existing domain.LedgerTransaction, in CreditInput) (domain.LedgerTransaction, error) {
	if existing.UserID != in.UserID || existing.Kind != in.Kind ||
		existing.Amount != domain.RoundCurrency(in.Amount, 4) {
		return domain.LedgerTransaction{}, fmt.Errorf("%w: idempotency key %q was used for a different credit", domain.ErrConflict, in.IdempotencyKey)
	}
	return existing, nil
}

// Debit appends a negative entry. The balance never goes below zero.
func (s *Service) Debit(ctx context.Context, in DebitInput) (domain.LedgerTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.debit")
	defer span.End()

	if in.Kind == "" {
		in.Kind = domain.TransactionKindSpending
	}
	if err := validateDebit(in); err != nil {
		return domain.LedgerTransaction{}, err
	}
	amount := domain.RoundCurrency(in.Amount, 4)

	return s.appendLocked(ctx, in.UserID, func(prev *domain.LedgerTransaction) (domain.LedgerTransaction, error) {
		var balance float64
		if prev != nil {
			balance = prev.ResultingBalance
		}
		if balance < amount {
			s.metrics.Inc("ledger_debits_rejected_total")
			return domain.LedgerTransaction{}, domain.ErrInsufficientBalance
		}
		return domain.NextTransaction(prev, in.UserID, in.Kind, -amount, in.Provenance, s.nowFn()), nil
	})
}

// Balance is the resulting balance of the user's latest entry, or zero without entries.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (float64, error) {
	latest, err := s.latest(ctx, userID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, nil
	}
	return latest.ResultingBalance, nil
}

func (s *Service) History(ctx context.Context, userID uuid.UUID, q HistoryQuery) (HistoryPage, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.history")
	defer span.End()

	if q.Kind != "" && !domain.ValidTransactionKind(q.Kind) {
		return HistoryPage{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidInput, q.Kind)
	}
	if q.Offset < 0 {
		return HistoryPage{}, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidInput)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > s.cfg.MaxHistoryLimit {
		limit = s.cfg.MaxHistoryLimit
	}

	type page struct {
		items []domain.LedgerTransaction
		total int
	}
	res, err := readWithRetry(ctx, s, "ledger_list", func(ctx context.Context) (page, error) {
		items, total, err := s.store.Ledger().List(ctx, userID, ports.LedgerQuery{Kind: q.Kind, Limit: limit, Offset: q.Offset})
		return page{items: items, total: total}, err
	})
	if err != nil {
		return HistoryPage{}, err
	}
	if res.items == nil {
		res.items = []domain.LedgerTransaction{}
	}
	return HistoryPage{Items: res.items, Total: res.total, Limit: limit, Offset: q.Offset}, nil
}

// Mine credits the reward for an activity, scaled by the service's random source.
func (s *Service) Mine(ctx context.Context, userID uuid.UUID, activity string, provenance map[string]string) (domain.LedgerTransaction, error) {
	parsed, ok := domain.ParseActivity(activity)
	if !ok {
		return domain.LedgerTransaction{}, fmt.Errorf("%w: unknown activity %q", domain.ErrInvalidInput, activity)
	}
	amount, err := domain.MiningAmount(parsed, s.random)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	meta := make(map[string]string, len(provenance)+1)
	for k, v := range provenance {
		meta[k] = v
	}
	meta["activity"] = string(parsed)
	return s.Credit(ctx, CreditInput{
		UserID:     userID,
		Kind:       domain.TransactionKindMining,
		Amount:     amount,
		Provenance: meta,
	})
}

// ClaimDailyBonus credits today's bonus. A second claim on the same calendar day fails with
// ErrAlreadyClaimedToday and writes nothing.
func (s *Service) ClaimDailyBonus(ctx context.Context, userID uuid.UUID) (DailyBonusResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.daily_bonus")
	defer span.End()

	if _, err := s.GetUser(ctx, userID); err != nil {
		return DailyBonusResult{}, err
	}

	now := s.nowFn()
	key := dailyBonusKey(userID, domain.CalendarDay(now, s.cfg.BonusLocation))
	var streak int
	tx, err := s.appendLocked(ctx, userID, func(prev *domain.LedgerTransaction) (domain.LedgerTransaction, error) {
		prior, _, err := s.store.Ledger().List(ctx, userID, ports.LedgerQuery{
			Kind:  domain.TransactionKindDailyBonus,
			Limit: streakWindow,
		})
		if err != nil {
			return domain.LedgerTransaction{}, err
		}
		stamps := make([]time.Time, 0, len(prior))
		for _, p := range prior {
			stamps = append(stamps, p.CreatedAt)
		}
		streak, err = domain.NextDailyStreak(stamps, now, s.cfg.BonusLocation)
		if err != nil {
			return domain.LedgerTransaction{}, err
		}
		next := domain.NextTransaction(prev, userID, domain.TransactionKindDailyBonus, domain.DailyBonusAmount(streak), map[string]string{
			"streak": strconv.Itoa(streak),
		}, now)
		next.IdempotencyKey = &key
		return next, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			if _, lookupErr := s.transactionByKey(ctx, key); lookupErr == nil {
				// another instance claimed the same day
				return DailyBonusResult{}, domain.ErrAlreadyClaimedToday
			}
		}
		return DailyBonusResult{}, err
	}
	return DailyBonusResult{Transaction: tx, Streak: streak}, nil
}

func dailyBonusKey(userID uuid.UUID, day time.Time) string {
	return userID.String() + ":" + string(domain.TransactionKindDailyBonus) + ":" + day.Format("2006-01-02")
}

// appendLocked holds the user's write lock while reading the latest entry, building the next
// one and appending it. Writes are not retried.
func (s *Service) appendLocked(ctx context.Context, userID uuid.UUID, build func(prev *domain.LedgerTransaction) (domain.LedgerTransaction, error)) (domain.LedgerTransaction, error) {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return domain.LedgerTransaction{}, fmt.Errorf("%w: acquire ledger lock: %v", domain.ErrStorageUnavailable, err)
	}
	defer unlock()

	prev, err := s.latest(ctx, userID)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	next, err := build(prev)
	if err != nil {
		return domain.LedgerTransaction{}, writeFailure("ledger_build", err)
	}
	if err := s.store.Ledger().Append(ctx, next, transactionAppendedEvent(next)); err != nil {
		return domain.LedgerTransaction{}, writeFailure("ledger_append", err)
	}
	s.metrics.Inc("ledger_transactions_total", "kind", string(next.Kind))
	appLogger().InfoContext(ctx, "ledger entry appended",
		"operation", "ledger_append",
		"outcome", "success",
		"user_id", userID.String(),
		"kind", string(next.Kind),
		"sequence", next.Sequence,
	)
	return next, nil
}

func (s *Service) latest(ctx context.Context, userID uuid.UUID) (*domain.LedgerTransaction, error) {
	tx, err := readWithRetry(ctx, s, "ledger_latest", func(ctx context.Context) (domain.LedgerTransaction, error) {
		return s.store.Ledger().Latest(ctx, userID)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Service) transactionByKey(ctx context.Context, key string) (domain.LedgerTransaction, error) {
	return readWithRetry(ctx, s, "ledger_get_by_key", func(ctx context.Context) (domain.LedgerTransaction, error) {
		return s.store.Ledger().GetByIdempotencyKey(ctx, key)
	})
}
