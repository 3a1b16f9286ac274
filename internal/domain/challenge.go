package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChallengeKind string

const (
	ChallengeKindRegistration   ChallengeKind = "registration"
	ChallengeKindAuthentication ChallengeKind = "authentication"
)

const DefaultChallengeTTL = 5 * time.Minute

// IdentityHint is what the client supplied to identify itself, if anything.
type IdentityHint struct {
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (h IdentityHint) IsEmpty() bool {
	return h.Username == "" && h.Email == ""
}

// Challenge is a one-time ceremony nonce. It may be consumed at most once.
type Challenge struct {
	ChallengeID uuid.UUID
	Nonce       string
	Kind        ChallengeKind
	// UserID is nil for registration and for discoverable authentication.
	UserID *uuid.UUID
	// SubjectID is the user handle handed to the authenticator during registration.
	SubjectID     uuid.UUID
	Hint          IdentityHint
	Origin        string
	Fingerprint   string
	CeremonyState []byte
	IssuedAt      time.Time
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
}

func (c Challenge) Consumed() bool {
	return c.ConsumedAt != nil
}

// Usable reports whether the challenge can still be consumed at now.
func (c Challenge) Usable(now time.Time) bool {
	return !c.Consumed() && now.Before(c.ExpiresAt)
}

func ValidChallengeKind(kind ChallengeKind) bool {
	return kind == ChallengeKindRegistration || kind == ChallengeKindAuthentication
}
