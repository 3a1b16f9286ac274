package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/cuepassport/internal/adapters/storetest"
	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, RunMigrations(ctx, db))
	return NewStore(db)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.Store { return newTestStore(t) })
}

func TestLedgerIsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	tx := domain.NextTransaction(nil, userID, domain.TransactionKindReward, 10, nil, storetest.NewUser("x").CreatedAt)
	require.NoError(t, store.Ledger().Append(ctx, tx))

	_, err := store.db.ExecContext(ctx, `UPDATE ledger_transactions SET amount = 99 WHERE transaction_id = ?`, tx.TransactionID.String())
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_transactions`)
	assert.Error(t, err)

	latest, err := store.Ledger().Latest(ctx, userID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, latest.Amount, 1e-9)
}

func TestNegativeBalanceRejectedBySchema(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx := domain.NextTransaction(nil, uuid.New(), domain.TransactionKindSpending, -5, nil, storetest.NewUser("y").CreatedAt)
	err := store.Ledger().Append(ctx, tx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrConflict)
}
