package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
)

const challengeColumns = `challenge_id, nonce, kind, user_id, subject_id, hint, origin, fingerprint, ceremony_state, issued_at, expires_at, consumed_at`

type challengeRepository struct {
	db *sql.DB
}

func (r *challengeRepository) Create(ctx context.Context, challenge domain.Challenge) error {
	hint, err := encodeJSON(challenge.Hint)
	if err != nil {
		return fmt.Errorf("encode hint: %w", err)
	}
	var userID sql.NullString
	if challenge.UserID != nil {
		userID = sql.NullString{String: challenge.UserID.String(), Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO challenges (`+challengeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		challenge.ChallengeID.String(),
		challenge.Nonce,
		string(challenge.Kind),
		userID,
		challenge.SubjectID.String(),
		hint,
		challenge.Origin,
		challenge.Fingerprint,
		challenge.CeremonyState,
		ts(challenge.IssuedAt),
		ts(challenge.ExpiresAt),
		nullTS(challenge.ConsumedAt),
	)
	return mapWriteError(err)
}

func (r *challengeRepository) Get(ctx context.Context, challengeID uuid.UUID) (domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE challenge_id = ?`, challengeID.String())
	challenge, err := scanChallenge(row)
	if err != nil {
		return domain.Challenge{}, mapNotFound(err)
	}
	return challenge, nil
}

// Consume is a single conditional UPDATE; only the caller whose update matched gets a row back.
func (r *challengeRepository) Consume(ctx context.Context, challengeID uuid.UUID, now time.Time) (domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE challenges SET consumed_at = ?
		WHERE challenge_id = ? AND consumed_at IS NULL AND expires_at > ?
		RETURNING `+challengeColumns,
		ts(now), challengeID.String(), ts(now))
	challenge, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Challenge{}, domain.ErrChallengeInvalid
	}
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return challenge, nil
}

func (r *challengeRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM challenges
		WHERE expires_at < ? OR (consumed_at IS NOT NULL AND consumed_at < ?)`,
		ts(before), ts(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale challenges: %w", err)
	}
	return res.RowsAffected()
}

func scanChallenge(row scanner) (domain.Challenge, error) {
	var (
		challenge  domain.Challenge
		id         string
		kind       string
		userID     sql.NullString
		subjectID  string
		hint       string
		issuedAt   int64
		expiresAt  int64
		consumedAt sql.NullInt64
	)
	if err := row.Scan(&id, &challenge.Nonce, &kind, &userID, &subjectID, &hint,
		&challenge.Origin, &challenge.Fingerprint, &challenge.CeremonyState,
		&issuedAt, &expiresAt, &consumedAt); err != nil {
		return domain.Challenge{}, err
	}
	var err error
	if challenge.ChallengeID, err = parseUUID(id); err != nil {
		return domain.Challenge{}, err
	}
	if challenge.SubjectID, err = parseUUID(subjectID); err != nil {
		return domain.Challenge{}, err
	}
	if userID.Valid {
		parsed, err := parseUUID(userID.String)
		if err != nil {
			return domain.Challenge{}, err
		}
		challenge.UserID = &parsed
	}
	if hint != "" {
		if err := json.Unmarshal([]byte(hint), &challenge.Hint); err != nil {
			return domain.Challenge{}, fmt.Errorf("decode hint: %w", err)
		}
	}
	challenge.Kind = domain.ChallengeKind(kind)
	challenge.IssuedAt = fromTS(issuedAt)
	challenge.ExpiresAt = fromTS(expiresAt)
	challenge.ConsumedAt = fromNullTS(consumedAt)
	return challenge, nil
}
