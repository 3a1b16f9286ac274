package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/cuepassport/internal/domain"
)

// Store is the single capability set every persistence backend implements.
// The backend is chosen once at startup from configuration.
type Store interface {
	Users() UserRepository
	Credentials() CredentialRepository
	Challenges() ChallengeRepository
	Sessions() SessionRepository
	Ledger() LedgerRepository
	Outbox() OutboxRepository
	Ping(ctx context.Context) error
	Close() error
}

// UserRepository persists identity anchors. Username, email and did are unique;
// violations surface as domain.ErrConflict.
type UserRepository interface {
	Create(ctx context.Context, user domain.User, events ...OutboxEvent) error
	// CreateWithCredential stores a new user and its first credential in one transaction.
	CreateWithCredential(ctx context.Context, user domain.User, credential domain.Credential, events ...OutboxEvent) error
	GetByID(ctx context.Context, userID uuid.UUID) (domain.User, error)
	GetByUsername(ctx context.Context, username string) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	// ListMissingTransactionKind returns users without any ledger entry of kind.
	ListMissingTransactionKind(ctx context.Context, kind domain.TransactionKind, limit int) ([]uuid.UUID, error)
}

type CredentialRepository interface {
	Create(ctx context.Context, credential domain.Credential) error
	GetByID(ctx context.Context, credentialID string) (domain.Credential, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Credential, error)
	// CompareAndSetSignCount moves the counter from expected to next.
	// It fails with domain.ErrReplayDetected when the stored value is no longer expected.
	// A disabled credential never matches.
	CompareAndSetSignCount(ctx context.Context, credentialID string, expected, next uint32, usedAt time.Time) error
	// Disable stamps disabled_at once; disabling twice keeps the first time.
	Disable(ctx context.Context, credentialID string, at time.Time) error
}

type ChallengeRepository interface {
	Create(ctx context.Context, challenge domain.Challenge) error
	Get(ctx context.Context, challengeID uuid.UUID) (domain.Challenge, error)
	// Consume atomically marks an unconsumed, unexpired challenge as consumed and returns it.
	// Every other outcome is domain.ErrChallengeInvalid.
	Consume(ctx context.Context, challengeID uuid.UUID, now time.Time) (domain.Challenge, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (domain.Session, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]domain.Session, error)
	RevokeByID(ctx context.Context, sessionID uuid.UUID, revokedAt time.Time) error
	RevokeAllByUser(ctx context.Context, userID uuid.UUID, revokedAt time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// LedgerQuery pages a user's history, most recent first.
type LedgerQuery struct {
	Kind   domain.TransactionKind
	Limit  int
	Offset int
}

// LedgerRepository is append-only. (user_id, sequence) and idempotency_key are unique;
// a duplicate append fails with domain.ErrConflict and writes nothing.
type LedgerRepository interface {
	Append(ctx context.Context, tx domain.LedgerTransaction, events ...OutboxEvent) error
	Latest(ctx context.Context, userID uuid.UUID) (domain.LedgerTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (domain.LedgerTransaction, error)
	List(ctx context.Context, userID uuid.UUID, q LedgerQuery) ([]domain.LedgerTransaction, int, error)
}

// OutboxEvent is the write-side event payload prior to storage.
type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

// OutboxRecord represents durable outbox state, including retry/error metadata.
type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	LastErrorAt    *time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository controls the publish-retry workflow for domain events.
type OutboxRepository interface {
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
}
