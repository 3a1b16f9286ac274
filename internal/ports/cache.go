package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserLocker serializes ledger writes per user. Locks for different users never contend.
type UserLocker interface {
	Lock(ctx context.Context, userID uuid.UUID) (unlock func(), err error)
}

// SessionRevocationStore keeps fast revocation markers next to the authoritative store.
type SessionRevocationStore interface {
	MarkRevoked(ctx context.Context, sessionID uuid.UUID, expiresAt time.Time) error
	IsRevoked(ctx context.Context, sessionID uuid.UUID) (bool, error)
}
