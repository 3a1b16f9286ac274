package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/viralforge/cuepassport/internal/domain"
)

type challengeRepository struct {
	db *gorm.DB
}

func (r *challengeRepository) Create(ctx context.Context, challenge domain.Challenge) error {
	rec := toChallengeModel(challenge)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *challengeRepository) Get(ctx context.Context, challengeID uuid.UUID) (domain.Challenge, error) {
	var rec challengeModel
	if err := r.db.WithContext(ctx).Where("challenge_id = ?", challengeID).Take(&rec).Error; err != nil {
		return domain.Challenge{}, mapNotFound(err)
	}
	return toDomainChallenge(rec), nil
}

// Consume relies on a conditional UPDATE ... RETURNING: only one caller can flip consumed_at.
func (r *challengeRepository) Consume(ctx context.Context, challengeID uuid.UUID, now time.Time) (domain.Challenge, error) {
	var rows []challengeModel
	res := r.db.WithContext(ctx).
		Model(&rows).
		Clauses(clause.Returning{}).
		Where("challenge_id = ?", challengeID).
		Where("consumed_at IS NULL").
		Where("expires_at > ?", now).
		Update("consumed_at", now)
	if res.Error != nil {
		return domain.Challenge{}, res.Error
	}
	if res.RowsAffected == 0 || len(rows) == 0 {
		return domain.Challenge{}, domain.ErrChallengeInvalid
	}
	return toDomainChallenge(rows[0]), nil
}

func (r *challengeRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ? OR consumed_at < ?", before, before).
		Delete(&challengeModel{})
	return res.RowsAffected, res.Error
}
