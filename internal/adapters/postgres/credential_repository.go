package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/viralforge/cuepassport/internal/domain"
)

type credentialRepository struct {
	db *gorm.DB
}

func (r *credentialRepository) Create(ctx context.Context, credential domain.Credential) error {
	rec := toCredentialModel(credential)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *credentialRepository) GetByID(ctx context.Context, credentialID string) (domain.Credential, error) {
	var rec credentialModel
	if err := r.db.WithContext(ctx).Where("credential_id = ?", credentialID).Take(&rec).Error; err != nil {
		return domain.Credential{}, mapNotFound(err)
	}
	return toDomainCredential(rec), nil
}

func (r *credentialRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Credential, error) {
	var rows []credentialModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Credential, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainCredential(row))
	}
	return out, nil
}

func (r *credentialRepository) CompareAndSetSignCount(ctx context.Context, credentialID string, expected, next uint32, usedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&credentialModel{}).
		Where("credential_id = ?", credentialID).
		Where("sign_count = ?", int64(expected)).
		Where("disabled_at IS NULL").
		Updates(map[string]any{
			"sign_count":   int64(next),
			"last_used_at": usedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&credentialModel{}).Where("credential_id = ?", credentialID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrReplayDetected
	}
	return nil
}

func (r *credentialRepository) Disable(ctx context.Context, credentialID string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&credentialModel{}).
		Where("credential_id = ?", credentialID).
		Update("disabled_at", gorm.Expr("COALESCE(disabled_at, ?)", at))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
