package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

const ledgerColumns = `transaction_id, user_id, sequence, kind, amount, resulting_balance, idempotency_key, provenance, created_at`

type ledgerRepository struct {
	db *sql.DB
}

func (r *ledgerRepository) Append(ctx context.Context, tx domain.LedgerTransaction, events ...ports.OutboxEvent) error {
	provenance := tx.Provenance
	if provenance == nil {
		provenance = map[string]string{}
	}
	encoded, err := encodeJSON(provenance)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	err = withTx(ctx, r.db, func(ctx context.Context, dbtx DBTX) error {
		if _, err := dbtx.ExecContext(ctx, `INSERT INTO ledger_transactions (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.TransactionID.String(),
			tx.UserID.String(),
			tx.Sequence,
			string(tx.Kind),
			tx.Amount,
			tx.ResultingBalance,
			nullString(tx.IdempotencyKey),
			encoded,
			ts(tx.CreatedAt),
		); err != nil {
			return err
		}
		return insertOutbox(ctx, dbtx, events)
	})
	return mapWriteError(err)
}

func (r *ledgerRepository) Latest(ctx context.Context, userID uuid.UUID) (domain.LedgerTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE user_id = ? ORDER BY sequence DESC LIMIT 1`, userID.String())
	tx, err := scanTransaction(row)
	if err != nil {
		return domain.LedgerTransaction{}, mapNotFound(err)
	}
	return tx, nil
}

func (r *ledgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.LedgerTransaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_transactions WHERE idempotency_key = ?`, key)
	tx, err := scanTransaction(row)
	if err != nil {
		return domain.LedgerTransaction{}, mapNotFound(err)
	}
	return tx, nil
}

func (r *ledgerRepository) List(ctx context.Context, userID uuid.UUID, q ports.LedgerQuery) ([]domain.LedgerTransaction, int, error) {
	where := `user_id = ?`
	args := []any{userID.String()}
	if q.Kind != "" {
		where += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE `+where+`
		ORDER BY sequence DESC
		LIMIT ? OFFSET ?`, append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func scanTransaction(row scanner) (domain.LedgerTransaction, error) {
	var (
		tx         domain.LedgerTransaction
		id         string
		userID     string
		kind       string
		key        sql.NullString
		provenance string
		createdAt  int64
	)
	if err := row.Scan(&id, &userID, &tx.Sequence, &kind, &tx.Amount, &tx.ResultingBalance,
		&key, &provenance, &createdAt); err != nil {
		return domain.LedgerTransaction{}, err
	}
	var err error
	if tx.TransactionID, err = parseUUID(id); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if tx.UserID, err = parseUUID(userID); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if provenance != "" && provenance != "{}" {
		if err := json.Unmarshal([]byte(provenance), &tx.Provenance); err != nil {
			return domain.LedgerTransaction{}, fmt.Errorf("decode provenance: %w", err)
		}
	}
	tx.Kind = domain.TransactionKind(kind)
	tx.IdempotencyKey = fromNullString(key)
	tx.CreatedAt = fromTS(createdAt)
	return tx, nil
}
