package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/viralforge/cuepassport/internal/ports"
)

// Store is the Postgres-backed ports.Store.
type Store struct {
	db          *gorm.DB
	users       *userRepository
	credentials *credentialRepository
	challenges  *challengeRepository
	sessions    *sessionRepository
	ledger      *ledgerRepository
	outbox      *outboxRepository
}

func NewStore(db *gorm.DB) *Store {
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

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// insertOutbox writes events inside the caller's transaction.
func insertOutbox(tx *gorm.DB, events []ports.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := toOutboxModels(events)
	return tx.Create(&rows).Error
}
