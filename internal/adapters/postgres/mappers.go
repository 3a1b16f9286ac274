package postgres

import (
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

func toUserModel(u domain.User) userModel {
	return userModel{
		UserID:        u.UserID,
		DID:           u.DID,
		Username:      u.Username,
		DisplayName:   u.DisplayName,
		Email:         u.Email,
		TrustScore:    u.TrustScore,
		PassportLevel: u.PassportLevel,
		Status:        string(u.Status),
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func toDomainUser(m userModel) domain.User {
	return domain.User{
		UserID:        m.UserID,
		DID:           m.DID,
		Username:      m.Username,
		DisplayName:   m.DisplayName,
		Email:         m.Email,
		TrustScore:    m.TrustScore,
		PassportLevel: m.PassportLevel,
		Status:        domain.UserStatus(m.Status),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func toCredentialModel(c domain.Credential) credentialModel {
	transports := c.Transports
	if transports == nil {
		transports = []string{}
	}
	raw, _ := json.Marshal(transports)
	return credentialModel{
		CredentialID:    c.CredentialID,
		UserID:          c.UserID,
		PublicKey:       c.PublicKey,
		SignCount:       int64(c.SignCount),
		DeviceType:      c.DeviceType,
		AttestationType: c.AttestationType,
		Transports:      string(raw),
		Material:        c.Material,
		CreatedAt:       c.CreatedAt,
		LastUsedAt:      c.LastUsedAt,
		DisabledAt:      c.DisabledAt,
	}
}

func toDomainCredential(m credentialModel) domain.Credential {
	var transports []string
	_ = json.Unmarshal([]byte(m.Transports), &transports)
	return domain.Credential{
		CredentialID:    m.CredentialID,
		UserID:          m.UserID,
		PublicKey:       m.PublicKey,
		SignCount:       uint32(m.SignCount),
		DeviceType:      m.DeviceType,
		AttestationType: m.AttestationType,
		Transports:      transports,
		Material:        m.Material,
		CreatedAt:       m.CreatedAt.UTC(),
		LastUsedAt:      m.LastUsedAt,
		DisabledAt:      m.DisabledAt,
	}
}

func toChallengeModel(c domain.Challenge) challengeModel {
	hint, _ := json.Marshal(c.Hint)
	return challengeModel{
		ChallengeID:   c.ChallengeID,
		Nonce:         c.Nonce,
		Kind:          string(c.Kind),
		UserID:        c.UserID,
		SubjectID:     c.SubjectID,
		Hint:          string(hint),
		Origin:        c.Origin,
		Fingerprint:   c.Fingerprint,
		CeremonyState: c.CeremonyState,
		IssuedAt:      c.IssuedAt,
		ExpiresAt:     c.ExpiresAt,
		ConsumedAt:    c.ConsumedAt,
	}
}

func toDomainChallenge(m challengeModel) domain.Challenge {
	var hint domain.IdentityHint
	_ = json.Unmarshal([]byte(m.Hint), &hint)
	return domain.Challenge{
		ChallengeID:   m.ChallengeID,
		Nonce:         m.Nonce,
		Kind:          domain.ChallengeKind(m.Kind),
		UserID:        m.UserID,
		SubjectID:     m.SubjectID,
		Hint:          hint,
		Origin:        m.Origin,
		Fingerprint:   m.Fingerprint,
		CeremonyState: m.CeremonyState,
		IssuedAt:      m.IssuedAt.UTC(),
		ExpiresAt:     m.ExpiresAt.UTC(),
		ConsumedAt:    m.ConsumedAt,
	}
}

func toSessionModel(s domain.Session) sessionModel {
	return sessionModel{
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		CredentialID:   s.CredentialID,
		DeviceName:     s.DeviceName,
		Platform:       s.Platform,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		IssuedAt:       s.IssuedAt,
		ExpiresAt:      s.ExpiresAt,
		LastActivityAt: s.LastActivityAt,
		RevokedAt:      s.RevokedAt,
	}
}

func toDomainSession(m sessionModel) domain.Session {
	return domain.Session{
		SessionID:      m.SessionID,
		UserID:         m.UserID,
		CredentialID:   m.CredentialID,
		DeviceName:     m.DeviceName,
		Platform:       m.Platform,
		IPAddress:      m.IPAddress,
		UserAgent:      m.UserAgent,
		IssuedAt:       m.IssuedAt.UTC(),
		ExpiresAt:      m.ExpiresAt.UTC(),
		LastActivityAt: m.LastActivityAt.UTC(),
		RevokedAt:      m.RevokedAt,
	}
}

func toLedgerModel(tx domain.LedgerTransaction) ledgerModel {
	provenance := tx.Provenance
	if provenance == nil {
		provenance = map[string]string{}
	}
	raw, _ := json.Marshal(provenance)
	return ledgerModel{
		TransactionID:    tx.TransactionID,
		UserID:           tx.UserID,
		Sequence:         tx.Sequence,
		Kind:             string(tx.Kind),
		Amount:           tx.Amount,
		ResultingBalance: tx.ResultingBalance,
		IdempotencyKey:   tx.IdempotencyKey,
		Provenance:       string(raw),
		CreatedAt:        tx.CreatedAt,
	}
}

func toDomainLedger(m ledgerModel) domain.LedgerTransaction {
	var provenance map[string]string
	_ = json.Unmarshal([]byte(m.Provenance), &provenance)
	if len(provenance) == 0 {
		provenance = nil
	}
	return domain.LedgerTransaction{
		TransactionID:    m.TransactionID,
		UserID:           m.UserID,
		Sequence:         m.Sequence,
		Kind:             domain.TransactionKind(m.Kind),
		Amount:           m.Amount,
		ResultingBalance: m.ResultingBalance,
		IdempotencyKey:   m.IdempotencyKey,
		Provenance:       provenance,
		CreatedAt:        m.CreatedAt.UTC(),
	}
}

func toOutboxModels(events []ports.OutboxEvent) []outboxModel {
	out := make([]outboxModel, 0, len(events))
	for _, ev := range events {
		payload := ev.Payload
		if len(payload) == 0 {
			payload = []byte(`{}`)
		}
		out = append(out, outboxModel{
			OutboxID:     ev.EventID,
			EventType:    ev.EventType,
			PartitionKey: ev.PartitionKey,
			Payload:      string(payload),
			CreatedAt:    ev.OccurredAt,
		})
	}
	return out
}

func toOutboxRecord(m outboxModel) ports.OutboxRecord {
	return ports.OutboxRecord{
		OutboxID:       m.OutboxID,
		EventType:      m.EventType,
		PartitionKey:   m.PartitionKey,
		Payload:        []byte(m.Payload),
		RetryCount:     m.RetryCount,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		PublishedAt:    m.PublishedAt,
		LastErrorAt:    m.LastErrorAt,
		ClaimToken:     m.ClaimToken,
		ClaimUntil:     m.ClaimUntil,
		DeadLetteredAt: m.DeadLetteredAt,
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
