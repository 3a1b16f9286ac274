package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

const outboxColumns = `outbox_id, event_type, partition_key, payload, created_at, published_at, retry_count, last_error, last_error_at, claim_token, claim_until, dead_lettered_at`

type outboxRepository struct {
	db *sql.DB
}

// ClaimUnpublished leases up to limit pending events in insertion order. The single writer
// connection makes the select-then-update inside one transaction exclusive.
func (r *outboxRepository) ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]ports.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if claimToken == "" {
		return nil, fmt.Errorf("claim token is required")
	}

	now := ts(time.Now().UTC())
	var records []ports.OutboxRecord
	err := withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE passport_outbox SET claim_token = ?, claim_until = ?
			WHERE rowid IN (
				SELECT rowid FROM passport_outbox
				WHERE published_at IS NULL AND dead_lettered_at IS NULL
				  AND (claim_until IS NULL OR claim_until < ?)
				ORDER BY rowid ASC
				LIMIT ?
			)`, claimToken, ts(claimUntil), now, limit); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT `+outboxColumns+` FROM passport_outbox
			WHERE claim_token = ? AND published_at IS NULL AND dead_lettered_at IS NULL
			ORDER BY rowid ASC`, claimToken)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			record, err := scanOutbox(rows)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	return records, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error {
	return r.release(ctx, outboxID, claimToken, `published_at = ?`, ts(at))
}

func (r *outboxRepository) MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.release(ctx, outboxID, claimToken, `retry_count = retry_count + 1, last_error = ?, last_error_at = ?`, errMsg, ts(at))
}

func (r *outboxRepository) MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.release(ctx, outboxID, claimToken, `last_error = ?, last_error_at = ?, dead_lettered_at = ?`, errMsg, ts(at), ts(at))
}

// release applies set and drops the claim. A stale claim token matches no row.
func (r *outboxRepository) release(ctx context.Context, outboxID uuid.UUID, claimToken, set string, args ...any) error {
	args = append(args, outboxID.String(), claimToken)
	res, err := r.db.ExecContext(ctx, `
		UPDATE passport_outbox SET `+set+`, claim_token = NULL, claim_until = NULL
		WHERE outbox_id = ? AND claim_token = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
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

func scanOutbox(row scanner) (ports.OutboxRecord, error) {
	var (
		record         ports.OutboxRecord
		id             string
		payload        string
		createdAt      int64
		publishedAt    sql.NullInt64
		lastError      sql.NullString
		lastErrorAt    sql.NullInt64
		claimToken     sql.NullString
		claimUntil     sql.NullInt64
		deadLetteredAt sql.NullInt64
	)
	if err := row.Scan(&id, &record.EventType, &record.PartitionKey, &payload, &createdAt, &publishedAt,
		&record.RetryCount, &lastError, &lastErrorAt, &claimToken, &claimUntil, &deadLetteredAt); err != nil {
		return ports.OutboxRecord{}, err
	}
	parsed, err := parseUUID(id)
	if err != nil {
		return ports.OutboxRecord{}, err
	}
	record.OutboxID = parsed
	record.Payload = []byte(payload)
	record.CreatedAt = fromTS(createdAt)
	record.PublishedAt = fromNullTS(publishedAt)
	record.LastError = fromNullString(lastError)
	record.LastErrorAt = fromNullTS(lastErrorAt)
	record.ClaimToken = fromNullString(claimToken)
	record.ClaimUntil = fromNullTS(claimUntil)
	record.DeadLetteredAt = fromNullTS(deadLetteredAt)
	return record, nil
}
