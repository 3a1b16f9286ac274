package ports

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/cuepassport/internal/domain"
)

type SessionClaims struct {
	UserID    uuid.UUID `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
	DID       string    `json:"did"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	KeyID     string    `json:"kid"`
}

type TokenSigner interface {
	Sign(claims SessionClaims) (string, error)
	ParseAndValidate(token string) (SessionClaims, error)
	PublicJWKs() ([]map[string]any, error)
}

// CeremonySubject is the account an authenticator ceremony runs against.
type CeremonySubject struct {
	Handle      uuid.UUID
	Name        string
	DisplayName string
	Credentials []domain.Credential
}

// CeremonyStart is what a ceremony needs persisted plus what the client receives.
type CeremonyStart struct {
	Options json.RawMessage
	State   []byte
}

// VerifiedAssertion is the outcome of a successful assertion check. The sign count is the
// value presented by the authenticator; comparing it to the stored one is left to the caller.
type VerifiedAssertion struct {
	CredentialID string
	UserHandle   uuid.UUID
	SignCount    uint32
}

// SubjectLookup resolves the account behind a discoverable assertion's user handle.
type SubjectLookup func(userHandle []byte) (CeremonySubject, error)

// CeremonyVerifier wraps the WebAuthn attestation and assertion checks. The nonce issued by
// the challenge manager is the ceremony challenge.
type CeremonyVerifier interface {
	BeginRegistration(subject CeremonySubject, nonce []byte) (CeremonyStart, error)
	BeginAuthentication(subject *CeremonySubject, nonce []byte) (CeremonyStart, error)
	FinishRegistration(subject CeremonySubject, state, response []byte) (domain.Credential, error)
	FinishAuthentication(subject *CeremonySubject, lookup SubjectLookup, state, response []byte) (VerifiedAssertion, error)
}
