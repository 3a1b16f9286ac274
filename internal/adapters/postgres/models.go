package postgres

import (
	"time"

	"github.com/google/uuid"
)

type userModel struct {
	UserID        uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	DID           string    `gorm:"column:did"`
	Username      string    `gorm:"column:username"`
	DisplayName   string    `gorm:"column:display_name"`
	Email         *string   `gorm:"column:email"`
	TrustScore    float64   `gorm:"column:trust_score"`
	PassportLevel int       `gorm:"column:passport_level"`
	Status        string    `gorm:"column:status"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (userModel) TableName() string { return "users" }

type credentialModel struct {
	CredentialID    string     `gorm:"column:credential_id;primaryKey"`
	UserID          uuid.UUID  `gorm:"column:user_id;type:uuid"`
	PublicKey       []byte     `gorm:"column:public_key"`
	SignCount       int64      `gorm:"column:sign_count"`
	DeviceType      string     `gorm:"column:device_type"`
	AttestationType string     `gorm:"column:attestation_type"`
	Transports      string     `gorm:"column:transports;type:jsonb"`
	Material        []byte     `gorm:"column:material"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	LastUsedAt      *time.Time `gorm:"column:last_used_at"`
	DisabledAt      *time.Time `gorm:"column:disabled_at"`
}

func (credentialModel) TableName() string { return "credentials" }

type challengeModel struct {
	ChallengeID   uuid.UUID  `gorm:"column:challenge_id;type:uuid;primaryKey"`
	Nonce         string     `gorm:"column:nonce"`
	Kind          string     `gorm:"column:kind"`
	UserID        *uuid.UUID `gorm:"column:user_id;type:uuid"`
	SubjectID     uuid.UUID  `gorm:"column:subject_id;type:uuid"`
	Hint          string     `gorm:"column:hint;type:jsonb"`
	Origin        string     `gorm:"column:origin"`
	Fingerprint   string     `gorm:"column:fingerprint"`
	CeremonyState []byte     `gorm:"column:ceremony_state"`
	IssuedAt      time.Time  `gorm:"column:issued_at"`
	ExpiresAt     time.Time  `gorm:"column:expires_at"`
	ConsumedAt    *time.Time `gorm:"column:consumed_at"`
}

func (challengeModel) TableName() string { return "challenges" }

type sessionModel struct {
	SessionID      uuid.UUID  `gorm:"column:session_id;type:uuid;primaryKey"`
	UserID         uuid.UUID  `gorm:"column:user_id;type:uuid"`
	CredentialID   string     `gorm:"column:credential_id"`
	DeviceName     string     `gorm:"column:device_name"`
	Platform       string     `gorm:"column:platform"`
	IPAddress      string     `gorm:"column:ip_address"`
	UserAgent      string     `gorm:"column:user_agent"`
	IssuedAt       time.Time  `gorm:"column:issued_at"`
	ExpiresAt      time.Time  `gorm:"column:expires_at"`
	LastActivityAt time.Time  `gorm:"column:last_activity_at"`
	RevokedAt      *time.Time `gorm:"column:revoked_at"`
}

func (sessionModel) TableName() string { return "sessions" }

type ledgerModel struct {
	TransactionID    uuid.UUID `gorm:"column:transaction_id;type:uuid;primaryKey"`
	UserID           uuid.UUID `gorm:"column:user_id;type:uuid"`
	Sequence         int64     `gorm:"column:sequence"`
	Kind             string    `gorm:"column:kind"`
	Amount           float64   `gorm:"column:amount"`
	ResultingBalance float64   `gorm:"column:resulting_balance"`
	IdempotencyKey   *string   `gorm:"column:idempotency_key"`
	Provenance       string    `gorm:"column:provenance;type:jsonb"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (ledgerModel) TableName() string { return "ledger_transactions" }

type outboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (outboxModel) TableName() string { return "passport_outbox" }
