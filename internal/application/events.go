package application

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

const (
	// EventTypeUserRegistered is emitted when a passport is provisioned.
	EventTypeUserRegistered = "passport.user_registered"
	// EventTypeTransactionAppended is emitted for every ledger entry.
	EventTypeTransactionAppended = "ledger.transaction_appended"
)

func userRegisteredEvent(user domain.User, now time.Time) ports.OutboxEvent {
	payload, _ := json.Marshal(map[string]any{
		"user_id":        user.UserID,
		"did":            user.DID,
		"username":       user.Username,
		"trust_score":    user.TrustScore,
		"passport_level": user.PassportLevel,
		"registered_at":  now,
	})
	return ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    EventTypeUserRegistered,
		PartitionKey: user.UserID.String(),
		Payload:      payload,
		OccurredAt:   now,
	}
}

func transactionAppendedEvent(tx domain.LedgerTransaction) ports.OutboxEvent {
	payload, _ := json.Marshal(map[string]any{
		"transaction_id":    tx.TransactionID,
		"user_id":           tx.UserID,
		"sequence":          tx.Sequence,
		"kind":              tx.Kind,
		"amount":            tx.Amount,
		"resulting_balance": tx.ResultingBalance,
		"created_at":        tx.CreatedAt,
	})
	return ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    EventTypeTransactionAppended,
		PartitionKey: tx.UserID.String(),
		Payload:      payload,
		OccurredAt:   tx.CreatedAt,
	}
}
