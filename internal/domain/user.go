package domain

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

const (
	DefaultTrustScore    = 0.5
	DefaultPassportLevel = 1
)

// User is the identity anchor. Balance is never stored here; it is read from the ledger.
type User struct {
	UserID        uuid.UUID
	DID           string
	Username      string
	DisplayName   string
	Email         *string
	TrustScore    float64
	PassportLevel int
	Status        UserStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u User) IsActive() bool {
	return u.Status == UserStatusActive
}

// Credential is a registered authenticator public key owned by one user.
type Credential struct {
	CredentialID    string
	UserID          uuid.UUID
	PublicKey       []byte
	SignCount       uint32
	DeviceType      string
	AttestationType string
	Transports      []string
	// Material is the authenticator record serialized by the ceremony adapter.
	Material   []byte
	CreatedAt  time.Time
	LastUsedAt *time.Time
	// DisabledAt is set once a replayed counter is seen. A disabled credential never
	// authenticates again; the owner has to register a new one.
	DisabledAt *time.Time
}

func (c Credential) Disabled() bool { return c.DisabledAt != nil }

const (
	DeviceTypeSingle = "single_device"
	DeviceTypeMulti  = "multi_device"
)

// Session is a bearer-session grant with a fixed expiry.
type Session struct {
	SessionID      uuid.UUID
	UserID         uuid.UUID
	CredentialID   string
	DeviceName     string
	Platform       string
	IPAddress      string
	UserAgent      string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	RevokedAt      *time.Time
}

// Check reports why a session cannot be used at now, or nil.
func (s Session) Check(now time.Time) error {
	if s.RevokedAt != nil {
		return ErrSessionRevoked
	}
	if !now.Before(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}

// DeviceMeta is the client-reported device description attached to challenges and sessions.
type DeviceMeta struct {
	DeviceName  string `json:"device_name,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IPAddress   string `json:"-"`
	UserAgent   string `json:"-"`
}

// DeriveDID builds the decentralized identifier for a subject handle.
func DeriveDID(subjectID uuid.UUID, username string) string {
	sum := blake2b.Sum256(append(subjectID[:], []byte(strings.ToLower(username))...))
	return "did:cue:" + hex.EncodeToString(sum[:20])
}

func NormalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
