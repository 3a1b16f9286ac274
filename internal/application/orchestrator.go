package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

// Start decides between registration and authentication for the supplied identity and issues
// the matching challenge. A discoverable start without a hint issues an authentication
// challenge bound to no user.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	ctx, span := s.tracer.Start(ctx, "auth.start")
	defer span.End()

	hint, err := normalizeHint(req.Hint)
	if err != nil {
		return StartResponse{}, err
	}
	origin := req.Origin
	if origin == "" {
		origin = s.cfg.DefaultOrigin
	}

	var (
		issued IssuedChallenge
		flow   Flow
		allow  []string
	)
	switch {
	case hint.IsEmpty() && req.Discoverable:
		flow = FlowAuthenticate
		issued, err = s.IssueChallenge(ctx, ChallengeSpec{
			Kind:        domain.ChallengeKindAuthentication,
			Hint:        hint,
			Origin:      origin,
			Fingerprint: req.Device.Fingerprint,
			Prepare: func(nonce []byte) ([]byte, json.RawMessage, error) {
				start, err := s.ceremony.BeginAuthentication(nil, nonce)
				return start.State, start.Options, err
			},
		})
	default:
		var user *domain.User
		if !hint.IsEmpty() {
			user, err = s.Resolve(ctx, hint)
			if err != nil {
				return StartResponse{}, err
			}
		}
		flow = DecideFlow(user)
		if flow == FlowAuthenticate {
			if !user.IsActive() {
				return StartResponse{}, domain.ErrUserSuspended
			}
			subject, subjectErr := s.ceremonySubject(ctx, *user)
			if subjectErr != nil {
				return StartResponse{}, subjectErr
			}
			subject.Credentials = activeCredentials(subject.Credentials)
			if len(subject.Credentials) == 0 {
				return StartResponse{}, fmt.Errorf("%w: every credential of this passport is disabled", domain.ErrReplayDetected)
			}
			allow = credentialIDs(subject.Credentials)
			userID := user.UserID
			issued, err = s.IssueChallenge(ctx, ChallengeSpec{
				Kind:        domain.ChallengeKindAuthentication,
				UserID:      &userID,
				Hint:        hint,
				Origin:      origin,
				Fingerprint: req.Device.Fingerprint,
				Prepare: func(nonce []byte) ([]byte, json.RawMessage, error) {
					start, err := s.ceremony.BeginAuthentication(&subject, nonce)
					return start.State, start.Options, err
				},
			})
			break
		}

		if hint.Username == "" {
			hint.Username = "cue-" + randomHex(4)
		}
		subject := registrationSubject(uuid.New(), hint)
		issued, err = s.IssueChallenge(ctx, ChallengeSpec{
			Kind:        domain.ChallengeKindRegistration,
			SubjectID:   subject.Handle,
			Hint:        hint,
			Origin:      origin,
			Fingerprint: req.Device.Fingerprint,
			Prepare: func(nonce []byte) ([]byte, json.RawMessage, error) {
				start, err := s.ceremony.BeginRegistration(subject, nonce)
				return start.State, start.Options, err
			},
		})
	}
	if err != nil {
		return StartResponse{}, err
	}

	appLogger().InfoContext(ctx, "auth ceremony started",
		"operation", "auth_start",
		"outcome", "success",
		"flow", string(flow),
		"challenge_id", issued.Challenge.ChallengeID.String(),
	)
	return StartResponse{
		Flow:               flow,
		ChallengeID:        issued.Challenge.ChallengeID,
		Challenge:          issued.Challenge.Nonce,
		ExpiresAt:          issued.Challenge.ExpiresAt,
		AllowedCredentials: allow,
		PublicKey:          issued.Options,
	}, nil
}

// Complete consumes the challenge and finishes the ceremony it was issued for. Both flows end
// with a new session.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.complete")
	defer span.End()

	if len(req.CredentialResponse) == 0 {
		return AuthResult{}, fmt.Errorf("%w: credential_response is required", domain.ErrInvalidInput)
	}
	challenge, err := s.ConsumeChallenge(ctx, req.ChallengeID)
	if err != nil {
		return AuthResult{}, err
	}

	var result AuthResult
	switch challenge.Kind {
	case domain.ChallengeKindRegistration:
		result, err = s.completeRegistration(ctx, challenge, req)
	case domain.ChallengeKindAuthentication:
		result, err = s.completeAuthentication(ctx, challenge, req)
	default:
		err = domain.ErrChallengeInvalid
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.Inc("auth_completions_total", "flow", string(challengeFlow(challenge.Kind)), "outcome", outcome)
	if err != nil {
		appLogger().WarnContext(ctx, "auth ceremony failed",
			"operation", "auth_complete",
			"outcome", outcome,
			"kind", string(challenge.Kind),
			"error", err,
		)
		return AuthResult{}, err
	}
	appLogger().InfoContext(ctx, "auth ceremony completed",
		"operation", "auth_complete",
		"outcome", outcome,
		"flow", string(result.Flow),
		"user_id", result.User.UserID.String(),
	)
	return result, nil
}

func (s *Service) completeRegistration(ctx context.Context, challenge domain.Challenge, req CompleteRequest) (AuthResult, error) {
	subject := registrationSubject(challenge.SubjectID, challenge.Hint)
	credential, err := s.ceremony.FinishRegistration(subject, challenge.CeremonyState, req.CredentialResponse)
	if err != nil {
		return AuthResult{}, rejected(err)
	}
	user, err := s.provisionWithCredential(ctx, challenge.SubjectID, challenge.Hint, credential)
	if err != nil {
		return AuthResult{}, err
	}

	result := AuthResult{Flow: FlowRegister}
	bonus, err := s.Credit(ctx, CreditInput{
		UserID:         user.UserID,
		Kind:           domain.TransactionKindRegistrationBonus,
		Amount:         s.cfg.RegistrationBonus,
		Provenance:     map[string]string{"source": "registration"},
		IdempotencyKey: domain.RegistrationBonusKey(user.UserID),
	})
	var balance float64
	if err != nil {
		// the reconcile worker credits it later
		appLogger().ErrorContext(ctx, "registration bonus deferred",
			"operation", "registration_bonus",
			"outcome", "failure",
			"user_id", user.UserID.String(),
			"error", err,
		)
		result.BonusPending = true
	} else {
		amount := bonus.Amount
		result.BonusAwarded = &amount
		balance = bonus.ResultingBalance
	}

	session, err := s.IssueSession(ctx, user, credential.CredentialID, req.Device)
	if err != nil {
		return AuthResult{}, err
	}
	result.User = summarize(user, balance)
	result.Session = session
	return result, nil
}

func (s *Service) completeAuthentication(ctx context.Context, challenge domain.Challenge, req CompleteRequest) (AuthResult, error) {
	var (
		user      domain.User
		assertion ports.VerifiedAssertion
		err       error
	)
	if challenge.UserID != nil {
		user, err = s.GetUser(ctx, *challenge.UserID)
		if err != nil {
			return AuthResult{}, err
		}
		subject, err := s.ceremonySubject(ctx, user)
		if err != nil {
			return AuthResult{}, err
		}
		assertion, err = s.ceremony.FinishAuthentication(&subject, nil, challenge.CeremonyState, req.CredentialResponse)
		if err != nil {
			return AuthResult{}, rejected(err)
		}
	} else {
		lookup := func(userHandle []byte) (ports.CeremonySubject, error) {
			handle, err := uuid.FromBytes(userHandle)
			if err != nil {
				return ports.CeremonySubject{}, fmt.Errorf("%w: malformed user handle", domain.ErrCeremonyRejected)
			}
			user, err = s.GetUser(ctx, handle)
			if err != nil {
				return ports.CeremonySubject{}, err
			}
			return s.ceremonySubject(ctx, user)
		}
		assertion, err = s.ceremony.FinishAuthentication(nil, lookup, challenge.CeremonyState, req.CredentialResponse)
		if err != nil {
			return AuthResult{}, rejected(err)
		}
	}
	if !user.IsActive() {
		return AuthResult{}, domain.ErrUserSuspended
	}

	credential, err := readWithRetry(ctx, s, "credential_get", func(ctx context.Context) (domain.Credential, error) {
		return s.store.Credentials().GetByID(ctx, assertion.CredentialID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return AuthResult{}, fmt.Errorf("%w: unknown credential", domain.ErrCeremonyRejected)
		}
		return AuthResult{}, err
	}
	if credential.UserID != user.UserID {
		return AuthResult{}, fmt.Errorf("%w: credential belongs to another user", domain.ErrCeremonyRejected)
	}
	if credential.Disabled() {
		s.metrics.Inc("replays_detected_total")
		appLogger().WarnContext(ctx, "disabled credential presented",
			"operation", "auth_complete",
			"outcome", "replay",
			"credential_id", credential.CredentialID,
			"disabled_at", credential.DisabledAt.Format(time.RFC3339),
		)
		return AuthResult{}, domain.ErrReplayDetected
	}
	if err := s.advanceSignCount(ctx, credential, assertion.SignCount); err != nil {
		return AuthResult{}, err
	}

	balance, err := s.Balance(ctx, user.UserID)
	if err != nil {
		return AuthResult{}, err
	}
	session, err := s.IssueSession(ctx, user, credential.CredentialID, req.Device)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		Flow:    FlowAuthenticate,
		User:    summarize(user, balance),
		Session: session,
	}, nil
}

// advanceSignCount rejects counters that do not move past the stored value and disables the
// credential, since a repeated counter means the authenticator was cloned. Authenticators
// that never count (both values zero) pass only when configured to.
func (s *Service) advanceSignCount(ctx context.Context, credential domain.Credential, presented uint32) error {
	stored := credential.SignCount
	if presented <= stored {
		if !(s.cfg.AllowZeroSignCount && presented == 0 && stored == 0) {
			s.metrics.Inc("replays_detected_total")
			appLogger().WarnContext(ctx, "signature counter did not advance",
				"operation", "auth_complete",
				"outcome", "replay",
				"credential_id", credential.CredentialID,
				"stored", stored,
				"presented", presented,
			)
			s.disableCredential(ctx, credential)
			return domain.ErrReplayDetected
		}
	}
	if err := s.store.Credentials().CompareAndSetSignCount(ctx, credential.CredentialID, stored, presented, s.nowFn()); err != nil {
		return writeFailure("credential_sign_count", err)
	}
	return nil
}

// disableCredential is best effort: the replayed assertion is refused either way.
func (s *Service) disableCredential(ctx context.Context, credential domain.Credential) {
	if err := s.store.Credentials().Disable(ctx, credential.CredentialID, s.nowFn()); err != nil {
		appLogger().ErrorContext(ctx, "failed to disable replayed credential",
			"operation", "credential_disable",
			"outcome", "failure",
			"credential_id", credential.CredentialID,
			"error", err,
		)
		return
	}
	s.metrics.Inc("credentials_disabled_total")
}

func registrationSubject(handle uuid.UUID, hint domain.IdentityHint) ports.CeremonySubject {
	display := hint.DisplayName
	if display == "" {
		display = hint.Username
	}
	return ports.CeremonySubject{Handle: handle, Name: hint.Username, DisplayName: display}
}

func challengeFlow(kind domain.ChallengeKind) Flow {
	if kind == domain.ChallengeKindRegistration {
		return FlowRegister
	}
	return FlowAuthenticate
}

// rejected keeps domain outcomes and folds everything else into ErrCeremonyRejected.
func rejected(err error) error {
	if domain.IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrCeremonyRejected, err)
}
