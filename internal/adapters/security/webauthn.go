package security

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

// WebAuthnConfig names the relying party every ceremony is bound to.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// WebAuthnCeremony implements ports.CeremonyVerifier with go-webauthn. The challenge the
// library generates is replaced by the nonce the caller issued, so the stored challenge
// record and the ceremony agree on one value.
type WebAuthnCeremony struct {
	wa *webauthn.WebAuthn
}

func NewWebAuthnCeremony(cfg WebAuthnConfig) (*WebAuthnCeremony, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &WebAuthnCeremony{wa: wa}, nil
}

func (c *WebAuthnCeremony) BeginRegistration(subject ports.CeremonySubject, nonce []byte) (ports.CeremonyStart, error) {
	user, err := newWebAuthnUser(subject)
	if err != nil {
		return ports.CeremonyStart{}, err
	}
	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	}
	if len(user.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}
	creation, session, err := c.wa.BeginRegistration(user, opts...)
	if err != nil {
		return ports.CeremonyStart{}, fmt.Errorf("begin registration: %w", err)
	}
	creation.Response.Challenge = protocol.URLEncodedBase64(nonce)
	session.Challenge = base64.RawURLEncoding.EncodeToString(nonce)
	return encodeStart(creation.Response, session)
}

// BeginAuthentication without a subject starts a discoverable login: no credentials are
// listed and the authenticator picks the account.
func (c *WebAuthnCeremony) BeginAuthentication(subject *ports.CeremonySubject, nonce []byte) (ports.CeremonyStart, error) {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if subject == nil {
		assertion, session, err = c.wa.BeginDiscoverableLogin(webauthn.WithUserVerification(protocol.VerificationPreferred))
	} else {
		user, userErr := newWebAuthnUser(*subject)
		if userErr != nil {
			return ports.CeremonyStart{}, userErr
		}
		assertion, session, err = c.wa.BeginLogin(user, webauthn.WithUserVerification(protocol.VerificationPreferred))
	}
	if err != nil {
		return ports.CeremonyStart{}, fmt.Errorf("begin login: %w", err)
	}
	assertion.Response.Challenge = protocol.URLEncodedBase64(nonce)
	session.Challenge = base64.RawURLEncoding.EncodeToString(nonce)
	return encodeStart(assertion.Response, session)
}

func (c *WebAuthnCeremony) FinishRegistration(subject ports.CeremonySubject, state, response []byte) (domain.Credential, error) {
	session, err := decodeSession(state)
	if err != nil {
		return domain.Credential{}, err
	}
	user, err := newWebAuthnUser(subject)
	if err != nil {
		return domain.Credential{}, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: parse attestation: %v", domain.ErrCeremonyRejected, describe(err))
	}
	credential, err := c.wa.CreateCredential(user, session, parsed)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: verify attestation: %v", domain.ErrCeremonyRejected, describe(err))
	}
	return toDomainCredential(subject.Handle, *credential)
}

func (c *WebAuthnCeremony) FinishAuthentication(subject *ports.CeremonySubject, lookup ports.SubjectLookup, state, response []byte) (ports.VerifiedAssertion, error) {
	session, err := decodeSession(state)
	if err != nil {
		return ports.VerifiedAssertion{}, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return ports.VerifiedAssertion{}, fmt.Errorf("%w: parse assertion: %v", domain.ErrCeremonyRejected, describe(err))
	}

	var (
		credential *webauthn.Credential
		handle     uuid.UUID
	)
	if subject != nil {
		user, userErr := newWebAuthnUser(*subject)
		if userErr != nil {
			return ports.VerifiedAssertion{}, userErr
		}
		credential, err = c.wa.ValidateLogin(user, session, parsed)
		handle = subject.Handle
	} else {
		if lookup == nil {
			return ports.VerifiedAssertion{}, fmt.Errorf("%w: discoverable login needs a subject lookup", domain.ErrCeremonyRejected)
		}
		// lookup errors keep their domain meaning
		var lookupErr error
		handler := func(_, userHandle []byte) (webauthn.User, error) {
			found, err := lookup(userHandle)
			if err != nil {
				lookupErr = err
				return nil, err
			}
			handle = found.Handle
			return newWebAuthnUser(found)
		}
		_, credential, err = c.wa.ValidatePasskeyLogin(handler, session, parsed)
		if err != nil && lookupErr != nil && domain.IsDomainError(lookupErr) {
			return ports.VerifiedAssertion{}, lookupErr
		}
	}
	if err != nil {
		return ports.VerifiedAssertion{}, fmt.Errorf("%w: verify assertion: %v", domain.ErrCeremonyRejected, describe(err))
	}

	return ports.VerifiedAssertion{
		CredentialID: encodeCredentialID(credential.ID),
		UserHandle:   handle,
		// the presented value; the library's own bookkeeping is ignored
		SignCount: parsed.Response.AuthenticatorData.Counter,
	}, nil
}

type webAuthnUser struct {
	handle      uuid.UUID
	name        string
	displayName string
	credentials []webauthn.Credential
}

func newWebAuthnUser(subject ports.CeremonySubject) (*webAuthnUser, error) {
	credentials := make([]webauthn.Credential, 0, len(subject.Credentials))
	for _, stored := range subject.Credentials {
		credential, err := fromDomainCredential(stored)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	return &webAuthnUser{
		handle:      subject.Handle,
		name:        subject.Name,
		displayName: subject.DisplayName,
		credentials: credentials,
	}, nil
}

func (u *webAuthnUser) WebAuthnID() []byte {
	handle := u.handle
	return handle[:]
}

func (u *webAuthnUser) WebAuthnName() string                       { return u.name }
func (u *webAuthnUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func encodeStart(options any, session *webauthn.SessionData) (ports.CeremonyStart, error) {
	rawOptions, err := json.Marshal(options)
	if err != nil {
		return ports.CeremonyStart{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	rawState, err := json.Marshal(session)
	if err != nil {
		return ports.CeremonyStart{}, fmt.Errorf("encode ceremony state: %w", err)
	}
	return ports.CeremonyStart{Options: rawOptions, State: rawState}, nil
}

func decodeSession(state []byte) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if len(state) == 0 {
		return session, fmt.Errorf("%w: missing ceremony state", domain.ErrCeremonyRejected)
	}
	if err := json.Unmarshal(state, &session); err != nil {
		return session, fmt.Errorf("%w: decode ceremony state: %v", domain.ErrCeremonyRejected, err)
	}
	return session, nil
}

// toDomainCredential keeps the library record as Material so later ceremonies see the same
// flags and authenticator data.
func toDomainCredential(userID uuid.UUID, credential webauthn.Credential) (domain.Credential, error) {
	material, err := json.Marshal(credential)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("encode credential: %w", err)
	}
	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}
	deviceType := domain.DeviceTypeSingle
	if credential.Flags.BackupEligible {
		deviceType = domain.DeviceTypeMulti
	}
	return domain.Credential{
		CredentialID:    encodeCredentialID(credential.ID),
		UserID:          userID,
		PublicKey:       credential.PublicKey,
		SignCount:       credential.Authenticator.SignCount,
		DeviceType:      deviceType,
		AttestationType: credential.AttestationType,
		Transports:      transports,
		Material:        material,
	}, nil
}

func fromDomainCredential(stored domain.Credential) (webauthn.Credential, error) {
	var credential webauthn.Credential
	if len(stored.Material) > 0 {
		if err := json.Unmarshal(stored.Material, &credential); err != nil {
			return credential, fmt.Errorf("decode credential %s: %w", stored.CredentialID, err)
		}
	} else {
		id, err := base64.RawURLEncoding.DecodeString(stored.CredentialID)
		if err != nil {
			return credential, fmt.Errorf("decode credential id %s: %w", stored.CredentialID, err)
		}
		credential.ID = id
		credential.PublicKey = stored.PublicKey
		credential.AttestationType = stored.AttestationType
		for _, t := range stored.Transports {
			credential.Transport = append(credential.Transport, protocol.AuthenticatorTransport(t))
		}
	}
	credential.Authenticator.SignCount = stored.SignCount
	return credential, nil
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// describe prefers the protocol error's detail, which says which check failed.
func describe(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.DevInfo != "" {
		return perr.Details + ": " + perr.DevInfo
	}
	return err.Error()
}
