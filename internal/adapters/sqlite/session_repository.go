package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
)

const sessionColumns = `session_id, user_id, credential_id, device_name, platform, ip_address, user_agent, issued_at, expires_at, last_activity_at, revoked_at`

type sessionRepository struct {
	db *sql.DB
}

func (r *sessionRepository) Create(ctx context.Context, session domain.Session) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID.String(),
		session.UserID.String(),
		session.CredentialID,
		session.DeviceName,
		session.Platform,
		session.IPAddress,
		session.UserAgent,
		ts(session.IssuedAt),
		ts(session.ExpiresAt),
		ts(session.LastActivityAt),
		nullTS(session.RevokedAt),
	)
	return mapWriteError(err)
}

func (r *sessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID.String())
	session, err := scanSession(row)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	return session, nil
}

func (r *sessionRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY issued_at DESC`, userID.String(), ts(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// RevokeByID keeps the first revocation time when called twice.
func (r *sessionRepository) RevokeByID(ctx context.Context, sessionID uuid.UUID, revokedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = COALESCE(revoked_at, ?) WHERE session_id = ?`,
		ts(revokedAt), sessionID.String())
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
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

func (r *sessionRepository) RevokeAllByUser(ctx context.Context, userID uuid.UUID, revokedAt time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ?
		WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?`,
		ts(revokedAt), userID.String(), ts(revokedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return res.RowsAffected()
}

func (r *sessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, ts(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(row scanner) (domain.Session, error) {
	var (
		session        domain.Session
		id             string
		userID         string
		issuedAt       int64
		expiresAt      int64
		lastActivityAt int64
		revokedAt      sql.NullInt64
	)
	if err := row.Scan(&id, &userID, &session.CredentialID, &session.DeviceName, &session.Platform,
		&session.IPAddress, &session.UserAgent, &issuedAt, &expiresAt, &lastActivityAt, &revokedAt); err != nil {
		return domain.Session{}, err
	}
	var err error
	if session.SessionID, err = parseUUID(id); err != nil {
		return domain.Session{}, err
	}
	if session.UserID, err = parseUUID(userID); err != nil {
		return domain.Session{}, err
	}
	session.IssuedAt = fromTS(issuedAt)
	session.ExpiresAt = fromTS(expiresAt)
	session.LastActivityAt = fromTS(lastActivityAt)
	session.RevokedAt = fromNullTS(revokedAt)
	return session, nil
}
