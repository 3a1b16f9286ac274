package application

import (
	"context"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
)

// ReconcileRegistrationBonuses credits the registration bonus to users provisioned without
// one. The idempotency key keeps it to one credit per user however often this runs.
func (s *Service) ReconcileRegistrationBonuses(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.reconcile_registration_bonus")
	defer span.End()

	missing, err := readWithRetry(ctx, s, "user_list_missing_bonus", func(ctx context.Context) ([]uuid.UUID, error) {
		return s.store.Users().ListMissingTransactionKind(ctx, domain.TransactionKindRegistrationBonus, s.cfg.ReconcileBatchSize)
	})
	if err != nil {
		return 0, err
	}

	credited := 0
	for _, userID := range missing {
		if ctx.Err() != nil {
			return credited, ctx.Err()
		}
		_, err := s.Credit(ctx, CreditInput{
			UserID:         userID,
			Kind:           domain.TransactionKindRegistrationBonus,
			Amount:         s.cfg.RegistrationBonus,
			Provenance:     map[string]string{"source": "reconcile"},
			IdempotencyKey: domain.RegistrationBonusKey(userID),
		})
		if err != nil {
			appLogger().WarnContext(ctx, "registration bonus reconcile failed",
				"operation", "reconcile_registration_bonus",
				"outcome", "failure",
				"user_id", userID.String(),
				"error", err,
			)
			continue
		}
		credited++
	}
	if credited > 0 {
		s.metrics.Add("registration_bonus_reconciled_total", uint64(credited))
	}
	return credited, nil
}
