package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

const userColumns = `user_id, did, username, display_name, email, trust_score, passport_level, status, created_at, updated_at`

type userRepository struct {
	db *sql.DB
}

func (r *userRepository) Create(ctx context.Context, user domain.User, events ...ports.OutboxEvent) error {
	err := withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, events)
	})
	return mapWriteError(err)
}

func (r *userRepository) CreateWithCredential(ctx context.Context, user domain.User, credential domain.Credential, events ...ports.OutboxEvent) error {
	err := withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		if err := insertCredential(ctx, tx, credential); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, events)
	})
	return mapWriteError(err)
}

func (r *userRepository) GetByID(ctx context.Context, userID uuid.UUID) (domain.User, error) {
	return r.getOne(ctx, `user_id = ?`, userID.String())
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (domain.User, error) {
	return r.getOne(ctx, `username = ?`, username)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.getOne(ctx, `email = ?`, email)
}

func (r *userRepository) ListMissingTransactionKind(ctx context.Context, kind domain.TransactionKind, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.user_id FROM users u
		WHERE NOT EXISTS (
			SELECT 1 FROM ledger_transactions l WHERE l.user_id = u.user_id AND l.kind = ?
		)
		ORDER BY u.created_at ASC
		LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users missing %s: %w", kind, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := parseUUID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *userRepository) getOne(ctx context.Context, where string, arg any) (domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	return user, nil
}

func insertUser(ctx context.Context, tx DBTX, user domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UserID.String(),
		user.DID,
		user.Username,
		user.DisplayName,
		nullString(user.Email),
		user.TrustScore,
		user.PassportLevel,
		string(user.Status),
		ts(user.CreatedAt),
		ts(user.UpdatedAt),
	)
	return err
}

func scanUser(row scanner) (domain.User, error) {
	var (
		user      domain.User
		id        string
		email     sql.NullString
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&id, &user.DID, &user.Username, &user.DisplayName, &email,
		&user.TrustScore, &user.PassportLevel, &status, &createdAt, &updatedAt); err != nil {
		return domain.User{}, err
	}
	parsed, err := parseUUID(id)
	if err != nil {
		return domain.User{}, err
	}
	user.UserID = parsed
	user.Email = fromNullString(email)
	user.Status = domain.UserStatus(status)
	user.CreatedAt = fromTS(createdAt)
	user.UpdatedAt = fromTS(updatedAt)
	return user, nil
}
