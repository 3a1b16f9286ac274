package application

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/adapters/memory"
	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

// fakeCeremony stands in for the WebAuthn verifier. The "authenticator" echoes the nonce back.
type fakeCeremony struct{}

type fakeState struct {
	Nonce  []byte    `json:"nonce"`
	Handle uuid.UUID `json:"handle"`
}

type fakeResponse struct {
	Nonce        []byte `json:"nonce"`
	CredentialID string `json:"credential_id"`
	SignCount    uint32 `json:"sign_count"`
	UserHandle   []byte `json:"user_handle,omitempty"`
}

func (fakeCeremony) BeginRegistration(subject ports.CeremonySubject, nonce []byte) (ports.CeremonyStart, error) {
	state, _ := json.Marshal(fakeState{Nonce: nonce, Handle: subject.Handle})
	opts, _ := json.Marshal(map[string]string{"challenge": base64.RawURLEncoding.EncodeToString(nonce)})
	return ports.CeremonyStart{Options: opts, State: state}, nil
}

func (fakeCeremony) BeginAuthentication(subject *ports.CeremonySubject, nonce []byte) (ports.CeremonyStart, error) {
	st := fakeState{Nonce: nonce}
	if subject != nil {
		st.Handle = subject.Handle
	}
	state, _ := json.Marshal(st)
	opts, _ := json.Marshal(map[string]string{"challenge": base64.RawURLEncoding.EncodeToString(nonce)})
	return ports.CeremonyStart{Options: opts, State: state}, nil
}

func (fakeCeremony) FinishRegistration(subject ports.CeremonySubject, state, response []byte) (domain.Credential, error) {
	var st fakeState
	var resp fakeResponse
	if err := json.Unmarshal(state, &st); err != nil {
		return domain.Credential{}, err
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return domain.Credential{}, err
	}
	if !bytes.Equal(st.Nonce, resp.Nonce) || st.Handle != subject.Handle {
		return domain.Credential{}, errors.New("challenge mismatch")
	}
	return domain.Credential{
		CredentialID:    resp.CredentialID,
		PublicKey:       []byte("pk-" + resp.CredentialID),
		SignCount:       resp.SignCount,
		DeviceType:      domain.DeviceTypeMulti,
		AttestationType: "none",
	}, nil
}

func (fakeCeremony) FinishAuthentication(subject *ports.CeremonySubject, lookup ports.SubjectLookup, state, response []byte) (ports.VerifiedAssertion, error) {
	var st fakeState
	var resp fakeResponse
	if err := json.Unmarshal(state, &st); err != nil {
		return ports.VerifiedAssertion{}, err
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return ports.VerifiedAssertion{}, err
	}
	if !bytes.Equal(st.Nonce, resp.Nonce) {
		return ports.VerifiedAssertion{}, errors.New("challenge mismatch")
	}
	if subject == nil {
		resolved, err := lookup(resp.UserHandle)
		if err != nil {
			return ports.VerifiedAssertion{}, err
		}
		subject = &resolved
	}
	owned := false
	for _, c := range subject.Credentials {
		if c.CredentialID == resp.CredentialID {
			owned = true
		}
	}
	if !owned {
		return ports.VerifiedAssertion{}, errors.New("credential not allowed")
	}
	return ports.VerifiedAssertion{CredentialID: resp.CredentialID, UserHandle: subject.Handle, SignCount: resp.SignCount}, nil
}

// fakeTokens signs a token as the plain session id.
type fakeTokens struct {
	mu     sync.Mutex
	claims map[string]ports.SessionClaims
}

func newFakeTokens() *fakeTokens { return &fakeTokens{claims: map[string]ports.SessionClaims{}} }

func (f *fakeTokens) Sign(claims ports.SessionClaims) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := "tok-" + claims.SessionID.String()
	f.claims[token] = claims
	return token, nil
}

func (f *fakeTokens) ParseAndValidate(token string) (ports.SessionClaims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims, ok := f.claims[token]
	if !ok {
		return ports.SessionClaims{}, domain.ErrUnauthorized
	}
	return claims, nil
}

func (f *fakeTokens) PublicJWKs() ([]map[string]any, error) { return nil, nil }

// flakyLedger fails the next N reads or writes with a non-domain error.
type flakyLedger struct {
	ports.LedgerRepository
	mu          sync.Mutex
	failReads   int
	failWrites  int
	appendCalls int
	latestCalls int
}

var errDiskOnFire = errors.New("connection reset by peer")

func (f *flakyLedger) Latest(ctx context.Context, userID uuid.UUID) (domain.LedgerTransaction, error) {
	f.mu.Lock()
	f.latestCalls++
	fail := f.failReads > 0
	if fail {
		f.failReads--
	}
	f.mu.Unlock()
	if fail {
		return domain.LedgerTransaction{}, errDiskOnFire
	}
	return f.LedgerRepository.Latest(ctx, userID)
}

func (f *flakyLedger) Append(ctx context.Context, tx domain.LedgerTransaction, events ...ports.OutboxEvent) error {
	f.mu.Lock()
	f.appendCalls++
	fail := f.failWrites > 0
	if fail {
		f.failWrites--
	}
	f.mu.Unlock()
	if fail {
		return errDiskOnFire
	}
	return f.LedgerRepository.Append(ctx, tx, events...)
}

type flakyStore struct {
	*memory.Store
	ledger *flakyLedger
}

func (f *flakyStore) Ledger() ports.LedgerRepository { return f.ledger }

type fixture struct {
	svc   *Service
	store *memory.Store
	clock *testClock
}

func newFixture(store ports.Store, mem *memory.Store, cfg Config) fixture {
	clock := newTestClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	if cfg.ReadRetryBackoff == 0 {
		cfg.ReadRetryBackoff = time.Millisecond
	}
	svc := NewService(Dependencies{
		Config:   cfg,
		Store:    store,
		Ceremony: fakeCeremony{},
		Tokens:   newFakeTokens(),
		Random:   fixedSource(0.5),
		Clock:    clock.Now,
	})
	return fixture{svc: svc, store: mem, clock: clock}
}

func newMemoryFixture() fixture {
	mem := memory.NewStore()
	return newFixture(mem, mem, Config{})
}

func registrationResponse(start StartResponse, credentialID string) json.RawMessage {
	nonce, _ := base64.RawURLEncoding.DecodeString(start.Challenge)
	raw, _ := json.Marshal(fakeResponse{Nonce: nonce, CredentialID: credentialID})
	return raw
}

func assertionResponse(start StartResponse, credentialID string, signCount uint32, handle *uuid.UUID) json.RawMessage {
	nonce, _ := base64.RawURLEncoding.DecodeString(start.Challenge)
	resp := fakeResponse{Nonce: nonce, CredentialID: credentialID, SignCount: signCount}
	if handle != nil {
		resp.UserHandle = handle[:]
	}
	raw, _ := json.Marshal(resp)
	return raw
}
