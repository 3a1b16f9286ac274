package application

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/cuepassport/internal/domain"
)

type Config struct {
	ChallengeTTL       time.Duration
	SessionTTL         time.Duration
	RegistrationBonus  float64
	AllowZeroSignCount bool
	ReadRetryBackoff   time.Duration
	BonusLocation      *time.Location
	HistoryLimit       int
	MaxHistoryLimit    int
	ReconcileBatchSize int
	DefaultOrigin      string
}

func (c Config) withDefaults() Config {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = domain.DefaultChallengeTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.RegistrationBonus <= 0 {
		c.RegistrationBonus = 100
	}
	if c.ReadRetryBackoff <= 0 {
		c.ReadRetryBackoff = 50 * time.Millisecond
	}
	if c.BonusLocation == nil {
		c.BonusLocation = time.UTC
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.MaxHistoryLimit <= 0 {
		c.MaxHistoryLimit = 100
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = 100
	}
	return c
}

type Flow string

const (
	FlowAuthenticate Flow = "authenticate"
	FlowRegister     Flow = "register"
)

type StartRequest struct {
	Hint         domain.IdentityHint `json:"identity_hint"`
	Discoverable bool                `json:"discoverable"`
	Origin       string              `json:"origin"`
	Device       domain.DeviceMeta   `json:"device"`
}

type StartResponse struct {
	Flow               Flow            `json:"flow"`
	ChallengeID        uuid.UUID       `json:"challenge_id"`
	Challenge          string          `json:"challenge"`
	ExpiresAt          time.Time       `json:"expires_at"`
	AllowedCredentials []string        `json:"allowed_credentials,omitempty"`
	PublicKey          json.RawMessage `json:"public_key,omitempty"`
}

type CompleteRequest struct {
	ChallengeID        uuid.UUID           `json:"challenge_id"`
	CredentialResponse json.RawMessage     `json:"credential_response"`
	Hint               domain.IdentityHint `json:"identity_hint"`
	Device             domain.DeviceMeta   `json:"device"`
}

type UserSummary struct {
	UserID        uuid.UUID         `json:"user_id"`
	DID           string            `json:"did"`
	Username      string            `json:"username"`
	DisplayName   string            `json:"display_name"`
	Email         *string           `json:"email,omitempty"`
	TrustScore    float64           `json:"trust_score"`
	PassportLevel int               `json:"passport_level"`
	Status        domain.UserStatus `json:"status"`
	CueBalance    float64           `json:"cue_balance"`
}

type SessionView struct {
	SessionID    uuid.UUID `json:"session_id"`
	Token        string    `json:"token,omitempty"`
	CredentialID string    `json:"credential_id"`
	DeviceName   string    `json:"device_name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type AuthResult struct {
	Flow         Flow        `json:"flow"`
	User         UserSummary `json:"user"`
	Session      SessionView `json:"session"`
	BonusAwarded *float64    `json:"bonus_awarded,omitempty"`
	// BonusPending is set when the registration bonus could not be written yet.
	BonusPending bool `json:"bonus_pending,omitempty"`
}

type CreditInput struct {
	UserID         uuid.UUID              `json:"user_id"`
	Kind           domain.TransactionKind `json:"kind"`
	Amount         float64                `json:"amount"`
	Provenance     map[string]string      `json:"provenance"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

type DebitInput struct {
	UserID     uuid.UUID              `json:"user_id"`
	Kind       domain.TransactionKind `json:"kind"`
	Amount     float64                `json:"amount"`
	Provenance map[string]string      `json:"provenance"`
}

type HistoryQuery struct {
	Limit  int
	Offset int
	Kind   domain.TransactionKind
}

type HistoryPage struct {
	Items  []domain.LedgerTransaction `json:"items"`
	Total  int                        `json:"total"`
	Limit  int                        `json:"limit"`
	Offset int                        `json:"offset"`
}

type DailyBonusResult struct {
	Transaction domain.LedgerTransaction `json:"transaction"`
	Streak      int                      `json:"streak"`
}
