package application

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/cuepassport/internal/domain"
)

// nonceBytes is 256 bits; the floor is 128.
const nonceBytes = 32

// ChallengeSpec describes the challenge to issue. Prepare, when set, receives the raw nonce
// and returns the ceremony state to persist plus the client-facing options.
type ChallengeSpec struct {
	Kind        domain.ChallengeKind
	UserID      *uuid.UUID
	SubjectID   uuid.UUID
	Hint        domain.IdentityHint
	Origin      string
	Fingerprint string
	Prepare     func(nonce []byte) (state []byte, options json.RawMessage, err error)
}

type IssuedChallenge struct {
	Challenge domain.Challenge
	Options   json.RawMessage
}

func (s *Service) IssueChallenge(ctx context.Context, spec ChallengeSpec) (IssuedChallenge, error) {
	ctx, span := s.tracer.Start(ctx, "challenge.issue")
	defer span.End()

	if !domain.ValidChallengeKind(spec.Kind) {
		return IssuedChallenge{}, fmt.Errorf("%w: unknown challenge kind %q", domain.ErrInvalidInput, spec.Kind)
	}
	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return IssuedChallenge{}, fmt.Errorf("generate nonce: %w", err)
	}

	var (
		state   []byte
		options json.RawMessage
	)
	if spec.Prepare != nil {
		var err error
		state, options, err = spec.Prepare(raw)
		if err != nil {
			return IssuedChallenge{}, err
		}
	}

	now := s.nowFn()
	challenge := domain.Challenge{
		ChallengeID:   uuid.New(),
		Nonce:         base64.RawURLEncoding.EncodeToString(raw),
		Kind:          spec.Kind,
		UserID:        spec.UserID,
		SubjectID:     spec.SubjectID,
		Hint:          spec.Hint,
		Origin:        spec.Origin,
		Fingerprint:   spec.Fingerprint,
		CeremonyState: state,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.ChallengeTTL),
	}
	if err := s.store.Challenges().Create(ctx, challenge); err != nil {
		return IssuedChallenge{}, writeFailure("challenge_create", err)
	}
	s.metrics.Inc("challenges_issued_total", "kind", string(spec.Kind))
	return IssuedChallenge{Challenge: challenge, Options: options}, nil
}

// ConsumeChallenge marks the challenge consumed. Of any number of concurrent calls for the
// same id, exactly one returns the challenge; the rest fail with ErrChallengeInvalid.
func (s *Service) ConsumeChallenge(ctx context.Context, challengeID uuid.UUID) (domain.Challenge, error) {
	ctx, span := s.tracer.Start(ctx, "challenge.consume")
	defer span.End()

	challenge, err := s.store.Challenges().Consume(ctx, challengeID, s.nowFn())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrChallengeInvalid
		}
		if errors.Is(err, domain.ErrChallengeInvalid) {
			s.metrics.Inc("challenges_rejected_total")
		}
		return domain.Challenge{}, writeFailure("challenge_consume", err)
	}
	s.metrics.Inc("challenges_consumed_total", "kind", string(challenge.Kind))
	return challenge, nil
}

// PurgeChallenges removes challenges that expired or were consumed before the grace window.
func (s *Service) PurgeChallenges(ctx context.Context, grace time.Duration) (int64, error) {
	removed, err := s.store.Challenges().DeleteStale(ctx, s.nowFn().Add(-grace))
	if err != nil {
		return 0, writeFailure("challenge_purge", err)
	}
	return removed, nil
}
