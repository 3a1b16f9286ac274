package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/ports"
)

// Store is the SQLite-backed ports.Store.
type Store struct {
	db          *sql.DB
	users       *userRepository
	credentials *credentialRepository
	challenges  *challengeRepository
	sessions    *sessionRepository
	ledger      *ledgerRepository
	outbox      *outboxRepository
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:          db,
		users:       &userRepository{db: db},
		credentials: &credentialRepository{db: db},
		challenges:  &challengeRepository{db: db},
		sessions:    &sessionRepository{db: db},
		ledger:      &ledgerRepository{db: db},
		outbox:      &outboxRepository{db: db},
	}
}

func (s *Store) Users() ports.UserRepository             { return s.users }
func (s *Store) Credentials() ports.CredentialRepository { return s.credentials }
func (s *Store) Challenges() ports.ChallengeRepository   { return s.challenges }
func (s *Store) Sessions() ports.SessionRepository       { return s.sessions }
func (s *Store) Ledger() ports.LedgerRepository          { return s.ledger }
func (s *Store) Outbox() ports.OutboxRepository          { return s.outbox }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// insertOutbox writes events inside the caller's transaction.
func insertOutbox(ctx context.Context, tx DBTX, events []ports.OutboxEvent) error {
	for _, event := range events {
		id := event.EventID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO passport_outbox (outbox_id, event_type, partition_key, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id.String(), event.EventType, event.PartitionKey, string(event.Payload), ts(event.OccurredAt),
		); err != nil {
			return err
		}
	}
	return nil
}
