package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

// Store keeps every table behind one mutex so multi-table writes stay atomic.
type Store struct {
	mu sync.Mutex

	users       map[uuid.UUID]domain.User
	byUsername  map[string]uuid.UUID
	byEmail     map[string]uuid.UUID
	byDID       map[string]uuid.UUID
	credentials map[string]domain.Credential
	challenges  map[uuid.UUID]domain.Challenge
	sessions    map[uuid.UUID]domain.Session
	ledger      map[uuid.UUID][]domain.LedgerTransaction
	ledgerKeys  map[string]domain.LedgerTransaction
	outbox      map[uuid.UUID]ports.OutboxRecord
	outboxOrder []uuid.UUID
}

func NewStore() *Store {
	return &Store{
		users:       map[uuid.UUID]domain.User{},
		byUsername:  map[string]uuid.UUID{},
		byEmail:     map[string]uuid.UUID{},
		byDID:       map[string]uuid.UUID{},
		credentials: map[string]domain.Credential{},
		challenges:  map[uuid.UUID]domain.Challenge{},
		sessions:    map[uuid.UUID]domain.Session{},
		ledger:      map[uuid.UUID][]domain.LedgerTransaction{},
		ledgerKeys:  map[string]domain.LedgerTransaction{},
		outbox:      map[uuid.UUID]ports.OutboxRecord{},
	}
}

func (s *Store) Users() ports.UserRepository             { return userRepo{s} }
func (s *Store) Credentials() ports.CredentialRepository { return credentialRepo{s} }
func (s *Store) Challenges() ports.ChallengeRepository   { return challengeRepo{s} }
func (s *Store) Sessions() ports.SessionRepository       { return sessionRepo{s} }
func (s *Store) Ledger() ports.LedgerRepository          { return ledgerRepo{s} }
func (s *Store) Outbox() ports.OutboxRepository          { return outboxRepo{s} }
func (s *Store) Ping(context.Context) error              { return nil }
func (s *Store) Close() error                            { return nil }

// enqueueLocked requires s.mu.
func (s *Store) enqueueLocked(events []ports.OutboxEvent) {
	for _, ev := range events {
		id := ev.EventID
		if id == uuid.Nil {
			id = uuid.New()
		}
		s.outbox[id] = ports.OutboxRecord{
			OutboxID:     id,
			EventType:    ev.EventType,
			PartitionKey: ev.PartitionKey,
			Payload:      append([]byte(nil), ev.Payload...),
			CreatedAt:    ev.OccurredAt,
		}
		s.outboxOrder = append(s.outboxOrder, id)
	}
}

type userRepo struct{ s *Store }

func (r userRepo) checkUniqueLocked(user domain.User) error {
	s := r.s
	if _, ok := s.users[user.UserID]; ok {
		return domain.ErrConflict
	}
	if _, ok := s.byUsername[user.Username]; ok {
		return domain.ErrConflict
	}
	if _, ok := s.byDID[user.DID]; ok {
		return domain.ErrConflict
	}
	if user.Email != nil {
		if _, ok := s.byEmail[*user.Email]; ok {
			return domain.ErrConflict
		}
	}
	return nil
}

func (r userRepo) insertLocked(user domain.User) {
	s := r.s
	s.users[user.UserID] = user
	s.byUsername[user.Username] = user.UserID
	s.byDID[user.DID] = user.UserID
	if user.Email != nil {
		s.byEmail[*user.Email] = user.UserID
	}
}

func (r userRepo) Create(_ context.Context, user domain.User, events ...ports.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.checkUniqueLocked(user); err != nil {
		return err
	}
	r.insertLocked(user)
	r.s.enqueueLocked(events)
	return nil
}

func (r userRepo) CreateWithCredential(_ context.Context, user domain.User, credential domain.Credential, events ...ports.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.checkUniqueLocked(user); err != nil {
		return err
	}
	if _, ok := r.s.credentials[credential.CredentialID]; ok {
		return domain.ErrConflict
	}
	r.insertLocked(user)
	r.s.credentials[credential.CredentialID] = cloneCredential(credential)
	r.s.enqueueLocked(events)
	return nil
}

func (r userRepo) GetByID(_ context.Context, userID uuid.UUID) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	user, ok := r.s.users[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

func (r userRepo) GetByUsername(_ context.Context, username string) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.byUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return r.s.users[id], nil
}

func (r userRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return r.s.users[id], nil
}

func (r userRepo) ListMissingTransactionKind(_ context.Context, kind domain.TransactionKind, limit int) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	users := make([]domain.User, 0, len(r.s.users))
	for _, user := range r.s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	out := make([]uuid.UUID, 0)
	for _, user := range users {
		if limit > 0 && len(out) >= limit {
			break
		}
		found := false
		for _, tx := range r.s.ledger[user.UserID] {
			if tx.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			out = append(out, user.UserID)
		}
	}
	return out, nil
}

type credentialRepo struct{ s *Store }

func (r credentialRepo) Create(_ context.Context, credential domain.Credential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.credentials[credential.CredentialID]; ok {
		return domain.ErrConflict
	}
	if _, ok := r.s.users[credential.UserID]; !ok {
		return domain.ErrNotFound
	}
	r.s.credentials[credential.CredentialID] = cloneCredential(credential)
	return nil
}

func (r credentialRepo) GetByID(_ context.Context, credentialID string) (domain.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cred, ok := r.s.credentials[credentialID]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	return cloneCredential(cred), nil
}

func (r credentialRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.Credential, 0)
	for _, cred := range r.s.credentials {
		if cred.UserID == userID {
			out = append(out, cloneCredential(cred))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r credentialRepo) CompareAndSetSignCount(_ context.Context, credentialID string, expected, next uint32, usedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cred, ok := r.s.credentials[credentialID]
	if !ok {
		return domain.ErrNotFound
	}
	if cred.SignCount != expected || cred.Disabled() {
		return domain.ErrReplayDetected
	}
	cred.SignCount = next
	cred.LastUsedAt = &usedAt
	r.s.credentials[credentialID] = cred
	return nil
}

func (r credentialRepo) Disable(_ context.Context, credentialID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cred, ok := r.s.credentials[credentialID]
	if !ok {
		return domain.ErrNotFound
	}
	if cred.DisabledAt == nil {
		cred.DisabledAt = &at
		r.s.credentials[credentialID] = cred
	}
	return nil
}

type challengeRepo struct{ s *Store }

func (r challengeRepo) Create(_ context.Context, challenge domain.Challenge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.challenges[challenge.ChallengeID]; ok {
		return domain.ErrConflict
	}
	r.s.challenges[challenge.ChallengeID] = challenge
	return nil
}

func (r challengeRepo) Get(_ context.Context, challengeID uuid.UUID) (domain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	challenge, ok := r.s.challenges[challengeID]
	if !ok {
		return domain.Challenge{}, domain.ErrNotFound
	}
	return challenge, nil
}

func (r challengeRepo) Consume(_ context.Context, challengeID uuid.UUID, now time.Time) (domain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	challenge, ok := r.s.challenges[challengeID]
	if !ok || !challenge.Usable(now) {
		return domain.Challenge{}, domain.ErrChallengeInvalid
	}
	challenge.ConsumedAt = &now
	r.s.challenges[challengeID] = challenge
	return challenge, nil
}

func (r challengeRepo) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var removed int64
	for id, challenge := range r.s.challenges {
		if challenge.ExpiresAt.Before(before) || (challenge.ConsumedAt != nil && challenge.ConsumedAt.Before(before)) {
			delete(r.s.challenges, id)
			removed++
		}
	}
	return removed, nil
}

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(_ context.Context, session domain.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[session.SessionID]; ok {
		return domain.ErrConflict
	}
	r.s.sessions[session.SessionID] = session
	return nil
}

func (r sessionRepo) GetByID(_ context.Context, sessionID uuid.UUID) (domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return session, nil
}

func (r sessionRepo) ListActiveByUser(_ context.Context, userID uuid.UUID, now time.Time) ([]domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.Session, 0)
	for _, session := range r.s.sessions {
		if session.UserID == userID && session.Check(now) == nil {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (r sessionRepo) RevokeByID(_ context.Context, sessionID uuid.UUID, revokedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if session.RevokedAt == nil {
		session.RevokedAt = &revokedAt
		r.s.sessions[sessionID] = session
	}
	return nil
}

func (r sessionRepo) RevokeAllByUser(_ context.Context, userID uuid.UUID, revokedAt time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var revoked int64
	for id, session := range r.s.sessions {
		if session.UserID != userID || session.RevokedAt != nil {
			continue
		}
		session.RevokedAt = &revokedAt
		r.s.sessions[id] = session
		revoked++
	}
	return revoked, nil
}

func (r sessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var removed int64
	for id, session := range r.s.sessions {
		if session.ExpiresAt.Before(before) {
			delete(r.s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) Append(_ context.Context, tx domain.LedgerTransaction, events ...ports.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.ledger[tx.UserID]
	if len(rows) > 0 && rows[len(rows)-1].Sequence >= tx.Sequence {
		return domain.ErrConflict
	}
	if tx.Kind == domain.TransactionKindRegistrationBonus {
		for _, row := range rows {
			if row.Kind == domain.TransactionKindRegistrationBonus {
				return domain.ErrConflict
			}
		}
	}
	if tx.IdempotencyKey != nil {
		if _, ok := r.s.ledgerKeys[*tx.IdempotencyKey]; ok {
			return domain.ErrConflict
		}
		r.s.ledgerKeys[*tx.IdempotencyKey] = tx
	}
	r.s.ledger[tx.UserID] = append(rows, tx)
	r.s.enqueueLocked(events)
	return nil
}

func (r ledgerRepo) Latest(_ context.Context, userID uuid.UUID) (domain.LedgerTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.ledger[userID]
	if len(rows) == 0 {
		return domain.LedgerTransaction{}, domain.ErrNotFound
	}
	return rows[len(rows)-1], nil
}

func (r ledgerRepo) GetByIdempotencyKey(_ context.Context, key string) (domain.LedgerTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tx, ok := r.s.ledgerKeys[key]
	if !ok {
		return domain.LedgerTransaction{}, domain.ErrNotFound
	}
	return tx, nil
}

func (r ledgerRepo) List(_ context.Context, userID uuid.UUID, q ports.LedgerQuery) ([]domain.LedgerTransaction, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.ledger[userID]
	matched := make([]domain.LedgerTransaction, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if q.Kind != "" && rows[i].Kind != q.Kind {
			continue
		}
		matched = append(matched, rows[i])
	}
	total := len(matched)
	if q.Offset >= total {
		return []domain.LedgerTransaction{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

type outboxRepo struct{ s *Store }

func (r outboxRepo) ClaimUnpublished(_ context.Context, limit int, claimToken string, claimUntil time.Time) ([]ports.OutboxRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	out := make([]ports.OutboxRecord, 0, limit)
	for _, id := range r.s.outboxOrder {
		row, ok := r.s.outbox[id]
		if !ok || row.PublishedAt != nil || row.DeadLetteredAt != nil {
			continue
		}
		if row.ClaimUntil != nil && row.ClaimUntil.After(now) {
			continue
		}
		token := claimToken
		until := claimUntil
		row.ClaimToken = &token
		row.ClaimUntil = &until
		r.s.outbox[id] = row
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r outboxRepo) MarkPublished(_ context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error {
	return r.update(outboxID, claimToken, func(row *ports.OutboxRecord) {
		row.PublishedAt = &at
	})
}

func (r outboxRepo) MarkFailed(_ context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.update(outboxID, claimToken, func(row *ports.OutboxRecord) {
		row.RetryCount++
		row.LastError = &errMsg
		row.LastErrorAt = &at
	})
}

func (r outboxRepo) MarkDeadLettered(_ context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.update(outboxID, claimToken, func(row *ports.OutboxRecord) {
		row.LastError = &errMsg
		row.LastErrorAt = &at
		row.DeadLetteredAt = &at
	})
}

func (r outboxRepo) update(outboxID uuid.UUID, claimToken string, apply func(*ports.OutboxRecord)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.outbox[outboxID]
	if !ok || row.ClaimToken == nil || *row.ClaimToken != claimToken {
		return domain.ErrNotFound
	}
	apply(&row)
	row.ClaimToken = nil
	row.ClaimUntil = nil
	r.s.outbox[outboxID] = row
	return nil
}

func cloneCredential(in domain.Credential) domain.Credential {
	out := in
	out.PublicKey = append([]byte(nil), in.PublicKey...)
	out.Material = append([]byte(nil), in.Material...)
	out.Transports = append([]string(nil), in.Transports...)
	return out
}
