package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

type ledgerRepository struct {
	db *gorm.DB
}

// Append inserts the entry and its events in one transaction. The (user_id, sequence) and
// idempotency_key constraints turn a lost race into domain.ErrConflict.
func (r *ledgerRepository) Append(ctx context.Context, entry domain.LedgerTransaction, events ...ports.OutboxEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toLedgerModel(entry)
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		return insertOutbox(tx, events)
	})
}

func (r *ledgerRepository) Latest(ctx context.Context, userID uuid.UUID) (domain.LedgerTransaction, error) {
	var rec ledgerModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("sequence DESC").Take(&rec).Error; err != nil {
		return domain.LedgerTransaction{}, mapNotFound(err)
	}
	return toDomainLedger(rec), nil
}

func (r *ledgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.LedgerTransaction, error) {
	var rec ledgerModel
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&rec).Error; err != nil {
		return domain.LedgerTransaction{}, mapNotFound(err)
	}
	return toDomainLedger(rec), nil
}

func (r *ledgerRepository) List(ctx context.Context, userID uuid.UUID, q ports.LedgerQuery) ([]domain.LedgerTransaction, int, error) {
	base := r.db.WithContext(ctx).Model(&ledgerModel{}).Where("user_id = ?", userID)
	if q.Kind != "" {
		base = base.Where("kind = ?", string(q.Kind))
	}
	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query := base.Session(&gorm.Session{}).Order("sequence DESC").Offset(q.Offset)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var rows []ledgerModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]domain.LedgerTransaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainLedger(row))
	}
	return out, int(total), nil
}
