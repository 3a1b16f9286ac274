package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
)

const credentialColumns = `credential_id, user_id, public_key, sign_count, device_type, attestation_type, transports, material, created_at, last_used_at, disabled_at`

type credentialRepository struct {
	db *sql.DB
}

func (r *credentialRepository) Create(ctx context.Context, credential domain.Credential) error {
	return mapWriteError(insertCredential(ctx, r.db, credential))
}

func (r *credentialRepository) GetByID(ctx context.Context, credentialID string) (domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE credential_id = ?`, credentialID)
	credential, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, mapNotFound(err)
	}
	return credential, nil
}

func (r *credentialRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE user_id = ? ORDER BY created_at ASC`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, credential)
	}
	return out, rows.Err()
}

func (r *credentialRepository) CompareAndSetSignCount(ctx context.Context, credentialID string, expected, next uint32, usedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET sign_count = ?, last_used_at = ?
		WHERE credential_id = ? AND sign_count = ? AND disabled_at IS NULL`,
		int64(next), ts(usedAt), credentialID, int64(expected))
	if err != nil {
		return fmt.Errorf("failed to update sign count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE credential_id = ?`, credentialID).Scan(&exists)
	if err != nil {
		return mapNotFound(err)
	}
	return domain.ErrReplayDetected
}

func (r *credentialRepository) Disable(ctx context.Context, credentialID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET disabled_at = COALESCE(disabled_at, ?)
		WHERE credential_id = ?`, ts(at), credentialID)
	if err != nil {
		return fmt.Errorf("failed to disable credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func insertCredential(ctx context.Context, tx DBTX, credential domain.Credential) error {
	transports := credential.Transports
	if transports == nil {
		transports = []string{}
	}
	encoded, err := encodeJSON(transports)
	if err != nil {
		return fmt.Errorf("encode transports: %w", err)
	}
	publicKey := credential.PublicKey
	if publicKey == nil {
		publicKey = []byte{}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credential.CredentialID,
		credential.UserID.String(),
		publicKey,
		int64(credential.SignCount),
		credential.DeviceType,
		credential.AttestationType,
		encoded,
		credential.Material,
		ts(credential.CreatedAt),
		nullTS(credential.LastUsedAt),
		nullTS(credential.DisabledAt),
	)
	return err
}

func scanCredential(row scanner) (domain.Credential, error) {
	var (
		credential domain.Credential
		userID     string
		signCount  int64
		transports string
		createdAt  int64
		lastUsedAt sql.NullInt64
		disabledAt sql.NullInt64
	)
	if err := row.Scan(&credential.CredentialID, &userID, &credential.PublicKey, &signCount,
		&credential.DeviceType, &credential.AttestationType, &transports, &credential.Material,
		&createdAt, &lastUsedAt, &disabledAt); err != nil {
		return domain.Credential{}, err
	}
	parsed, err := parseUUID(userID)
	if err != nil {
		return domain.Credential{}, err
	}
	credential.UserID = parsed
	credential.SignCount = uint32(signCount)
	if transports != "" {
		if err := json.Unmarshal([]byte(transports), &credential.Transports); err != nil {
			return domain.Credential{}, fmt.Errorf("decode transports: %w", err)
		}
	}
	if len(credential.Transports) == 0 {
		credential.Transports = nil
	}
	credential.CreatedAt = fromTS(createdAt)
	credential.LastUsedAt = fromNullTS(lastUsedAt)
	credential.DisabledAt = fromNullTS(disabledAt)
	return credential, nil
}
