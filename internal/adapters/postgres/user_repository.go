package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) Create(ctx context.Context, user domain.User, events ...ports.OutboxEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toUserModel(user)
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		return insertOutbox(tx, events)
	})
}

func (r *userRepository) CreateWithCredential(ctx context.Context, user domain.User, credential domain.Credential, events ...ports.OutboxEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toUserModel(user)
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		cred := toCredentialModel(credential)
		if err := tx.Create(&cred).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		return insertOutbox(tx, events)
	})
}

func (r *userRepository) GetByID(ctx context.Context, userID uuid.UUID) (domain.User, error) {
	return r.takeWhere(ctx, "user_id = ?", userID)
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (domain.User, error) {
	return r.takeWhere(ctx, "username = ?", username)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.takeWhere(ctx, "email = ?", email)
}

func (r *userRepository) takeWhere(ctx context.Context, query string, arg any) (domain.User, error) {
	var rec userModel
	if err := r.db.WithContext(ctx).Where(query, arg).Take(&rec).Error; err != nil {
		return domain.User{}, mapNotFound(err)
	}
	return toDomainUser(rec), nil
}

func (r *userRepository) ListMissingTransactionKind(ctx context.Context, kind domain.TransactionKind, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&userModel{}).
		Where("NOT EXISTS (?)", r.db.Model(&ledgerModel{}).
			Select("1").
			Where("ledger_transactions.user_id = users.user_id").
			Where("ledger_transactions.kind = ?", string(kind))).
		Order("created_at ASC").
		Limit(limit).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
