package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

// IssueSession stores a session with a fixed expiry and signs its bearer token.
func (s *Service) IssueSession(ctx context.Context, user domain.User, credentialID string, device domain.DeviceMeta) (SessionView, error) {
	ctx, span := s.tracer.Start(ctx, "session.issue")
	defer span.End()

	now := s.nowFn()
	session := domain.Session{
		SessionID:      uuid.New(),
		UserID:         user.UserID,
		CredentialID:   credentialID,
		DeviceName:     device.DeviceName,
		Platform:       device.Platform,
		IPAddress:      device.IPAddress,
		UserAgent:      device.UserAgent,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
		LastActivityAt: now,
	}
	if err := s.store.Sessions().Create(ctx, session); err != nil {
		return SessionView{}, writeFailure("session_create", err)
	}
	token, err := s.tokens.Sign(ports.SessionClaims{
		UserID:    user.UserID,
		SessionID: session.SessionID,
		DID:       user.DID,
		IssuedAt:  session.IssuedAt,
		ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return SessionView{}, err
	}
	s.metrics.Inc("sessions_issued_total")
	view := sessionView(session)
	view.Token = token
	return view, nil
}

// ValidateSession fails with ErrSessionNotFound for unknown or revoked sessions and with
// ErrSessionExpired once the fixed expiry has passed.
func (s *Service) ValidateSession(ctx context.Context, sessionID uuid.UUID) (domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.validate")
	defer span.End()

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, sessionID)
		if err != nil {
			appLogger().WarnContext(ctx, "revocation marker lookup failed",
				"operation", "session_validate",
				"outcome", "degraded",
				"error", err,
			)
		} else if revoked {
			return domain.Session{}, domain.ErrSessionRevoked
		}
	}

	session, err := readWithRetry(ctx, s, "session_get", func(ctx context.Context) (domain.Session, error) {
		return s.store.Sessions().GetByID(ctx, sessionID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, err
	}
	if err := session.Check(s.nowFn()); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// ValidateToken verifies a bearer token and then the session it names.
func (s *Service) ValidateToken(ctx context.Context, token string) (domain.Session, ports.SessionClaims, error) {
	claims, err := s.tokens.ParseAndValidate(token)
	if err != nil {
		return domain.Session{}, ports.SessionClaims{}, err
	}
	session, err := s.ValidateSession(ctx, claims.SessionID)
	if err != nil {
		return domain.Session{}, ports.SessionClaims{}, err
	}
	if session.UserID != claims.UserID {
		return domain.Session{}, ports.SessionClaims{}, domain.ErrUnauthorized
	}
	return session, claims, nil
}

func (s *Service) RevokeSession(ctx context.Context, sessionID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "session.revoke")
	defer span.End()

	session, err := readWithRetry(ctx, s, "session_get", func(ctx context.Context) (domain.Session, error) {
		return s.store.Sessions().GetByID(ctx, sessionID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrSessionNotFound
		}
		return err
	}
	if err := s.store.Sessions().RevokeByID(ctx, sessionID, s.nowFn()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrSessionNotFound
		}
		return writeFailure("session_revoke", err)
	}
	s.markRevoked(ctx, session)
	s.metrics.Inc("sessions_revoked_total")
	return nil
}

// RevokeAllSessions revokes every live session of the user and returns how many were revoked.
func (s *Service) RevokeAllSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "session.revoke_all")
	defer span.End()

	active, err := readWithRetry(ctx, s, "session_list_active", func(ctx context.Context) ([]domain.Session, error) {
		return s.store.Sessions().ListActiveByUser(ctx, userID, s.nowFn())
	})
	if err != nil {
		return 0, err
	}
	revoked, err := s.store.Sessions().RevokeAllByUser(ctx, userID, s.nowFn())
	if err != nil {
		return 0, writeFailure("session_revoke_all", err)
	}
	for _, session := range active {
		s.markRevoked(ctx, session)
	}
	s.metrics.Add("sessions_revoked_total", uint64(revoked))
	return revoked, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID) ([]SessionView, error) {
	sessions, err := readWithRetry(ctx, s, "session_list_active", func(ctx context.Context) ([]domain.Session, error) {
		return s.store.Sessions().ListActiveByUser(ctx, userID, s.nowFn())
	})
	if err != nil {
		return nil, err
	}
	out := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionView(session))
	}
	return out, nil
}

// PurgeSessions deletes sessions that expired more than grace ago.
func (s *Service) PurgeSessions(ctx context.Context, grace time.Duration) (int64, error) {
	removed, err := s.store.Sessions().DeleteExpired(ctx, s.nowFn().Add(-grace))
	if err != nil {
		return 0, writeFailure("session_purge", err)
	}
	return removed, nil
}

func (s *Service) markRevoked(ctx context.Context, session domain.Session) {
	if s.revocations == nil {
		return
	}
	if err := s.revocations.MarkRevoked(ctx, session.SessionID, session.ExpiresAt); err != nil {
		appLogger().WarnContext(ctx, "failed to write revocation marker",
			"operation", "session_revoke",
			"outcome", "degraded",
			"session_id", session.SessionID.String(),
			"error", err,
		)
	}
}

func sessionView(session domain.Session) SessionView {
	return SessionView{
		SessionID:    session.SessionID,
		CredentialID: session.CredentialID,
		DeviceName:   session.DeviceName,
		Platform:     session.Platform,
		IssuedAt:     session.IssuedAt,
		ExpiresAt:    session.ExpiresAt,
	}
}
