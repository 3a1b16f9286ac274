package application

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,31}$`)

func validateHint(hint domain.IdentityHint) error {
	err := validation.ValidateStruct(&hint,
		validation.Field(&hint.Username, validation.Match(usernamePattern)),
		validation.Field(&hint.Email, validation.Length(3, 254), is.Email),
		validation.Field(&hint.DisplayName, validation.Length(0, 80)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// normalizeHint lowercases identifiers and validates their shape.
func normalizeHint(hint domain.IdentityHint) (domain.IdentityHint, error) {
	hint.Username = domain.NormalizeUsername(hint.Username)
	hint.DisplayName = strings.TrimSpace(hint.DisplayName)
	if strings.TrimSpace(hint.Email) != "" {
		email, err := normalizeEmail(hint.Email)
		if err != nil {
			return domain.IdentityHint{}, err
		}
		hint.Email = email
	} else {
		hint.Email = ""
	}
	if err := validateHint(hint); err != nil {
		return domain.IdentityHint{}, err
	}
	return hint, nil
}

// Resolve looks the hint up by username, then by email. A nil user with a nil error means
// no account matches.
func (s *Service) Resolve(ctx context.Context, hint domain.IdentityHint) (*domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "identity.resolve")
	defer span.End()

	hint, err := normalizeHint(hint)
	if err != nil {
		return nil, err
	}
	if hint.Username != "" {
		user, err := readWithRetry(ctx, s, "user_get_by_username", func(ctx context.Context) (domain.User, error) {
			return s.store.Users().GetByUsername(ctx, hint.Username)
		})
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if hint.Email != "" {
		user, err := readWithRetry(ctx, s, "user_get_by_email", func(ctx context.Context) (domain.User, error) {
			return s.store.Users().GetByEmail(ctx, hint.Email)
		})
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func DecideFlow(user *domain.User) Flow {
	if user != nil {
		return FlowAuthenticate
	}
	return FlowRegister
}

func (s *Service) newPassport(subjectID uuid.UUID, hint domain.IdentityHint) domain.User {
	now := s.nowFn()
	username := hint.Username
	if username == "" {
		username = "cue-" + randomHex(4)
	}
	displayName := hint.DisplayName
	if displayName == "" {
		displayName = username
	}
	var email *string
	if hint.Email != "" {
		e := hint.Email
		email = &e
	}
	return domain.User{
		UserID:        subjectID,
		DID:           domain.DeriveDID(subjectID, username),
		Username:      username,
		DisplayName:   displayName,
		Email:         email,
		TrustScore:    domain.DefaultTrustScore,
		PassportLevel: domain.DefaultPassportLevel,
		Status:        domain.UserStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Provision creates a passport for hint. A username, email or did already taken fails with
// ErrConflict.
func (s *Service) Provision(ctx context.Context, hint domain.IdentityHint) (domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "identity.provision")
	defer span.End()

	hint, err := normalizeHint(hint)
	if err != nil {
		return domain.User{}, err
	}
	user := s.newPassport(uuid.New(), hint)
	if err := s.store.Users().Create(ctx, user, userRegisteredEvent(user, user.CreatedAt)); err != nil {
		return domain.User{}, writeFailure("user_create", err)
	}
	s.metrics.Inc("users_provisioned_total")
	return user, nil
}

func (s *Service) provisionWithCredential(ctx context.Context, subjectID uuid.UUID, hint domain.IdentityHint, credential domain.Credential) (domain.User, error) {
	user := s.newPassport(subjectID, hint)
	credential.UserID = user.UserID
	credential.CreatedAt = user.CreatedAt
	if err := s.store.Users().CreateWithCredential(ctx, user, credential, userRegisteredEvent(user, user.CreatedAt)); err != nil {
		return domain.User{}, writeFailure("user_create_with_credential", err)
	}
	s.metrics.Inc("users_provisioned_total")
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID uuid.UUID) (domain.User, error) {
	return readWithRetry(ctx, s, "user_get", func(ctx context.Context) (domain.User, error) {
		return s.store.Users().GetByID(ctx, userID)
	})
}

// ceremonySubject keeps disabled credentials so a late assertion from one is refused as a
// replay rather than as an unknown credential.
func (s *Service) ceremonySubject(ctx context.Context, user domain.User) (ports.CeremonySubject, error) {
	creds, err := readWithRetry(ctx, s, "credential_list", func(ctx context.Context) ([]domain.Credential, error) {
		return s.store.Credentials().ListByUser(ctx, user.UserID)
	})
	if err != nil {
		return ports.CeremonySubject{}, err
	}
	return ports.CeremonySubject{
		Handle:      user.UserID,
		Name:        user.Username,
		DisplayName: user.DisplayName,
		Credentials: creds,
	}, nil
}
