package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeySession   ctxKey = "auth_session"
	ctxKeyClaims    ctxKey = "auth_claims"
	ctxKeyTrail     ctxKey = "request_trail"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

// metricsMiddleware records each request under its route pattern so path parameters do not
// explode the label space.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		h.metrics.ObserveRequest(r.Method, routePattern(r), recorder.status(), time.Since(start))
	})
}

// authMiddleware validates the bearer token against its session and stores both in the context.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			h.writeMissingBearerError(r.Context(), w, "authenticate_request")
			return
		}

		session, claims, err := h.service.ValidateToken(r.Context(), raw)
		if err != nil {
			h.writeMappedError(r.Context(), w, "authenticate_request", err)
			return
		}

		if trail := trailFromContext(r.Context()); trail != nil {
			trail.userID = claims.UserID.String()
		}
		ctx := context.WithValue(r.Context(), ctxKeySession, session)
		ctx = context.WithValue(ctx, ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(ctxKeyRequestID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func sessionFromContext(ctx context.Context) (domain.Session, bool) {
	session, ok := ctx.Value(ctxKeySession).(domain.Session)
	return session, ok
}

func claimsFromContext(ctx context.Context) (ports.SessionClaims, bool) {
	claims, ok := ctx.Value(ctxKeyClaims).(ports.SessionClaims)
	return claims, ok
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrChallengeInvalid):
		return http.StatusBadRequest, "CHALLENGE_INVALID", "challenge is unknown, expired or already used"
	case errors.Is(err, domain.ErrCeremonyRejected):
		return http.StatusUnauthorized, "CEREMONY_REJECTED", "authenticator response rejected"
	case errors.Is(err, domain.ErrReplayDetected):
		return http.StatusUnauthorized, "REPLAY_DETECTED", "signature counter did not advance"
	case errors.Is(err, domain.ErrSessionExpired):
		return http.StatusUnauthorized, "SESSION_EXPIRED", "session expired"
	case errors.Is(err, domain.ErrSessionRevoked):
		return http.StatusUnauthorized, "SESSION_REVOKED", "session revoked"
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusUnauthorized, "SESSION_NOT_FOUND", "session not found"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials"
	case errors.Is(err, domain.ErrUserSuspended):
		return http.StatusForbidden, "USER_SUSPENDED", "user is suspended"
	case errors.Is(err, domain.ErrAlreadyClaimedToday):
		return http.StatusConflict, "ALREADY_CLAIMED_TODAY", "daily bonus already claimed today"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT", "resource already exists"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "insufficient balance"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage temporarily unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
