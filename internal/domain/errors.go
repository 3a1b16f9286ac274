package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrChallengeInvalid covers unknown, expired and already consumed challenges.
	// Callers may always surface it as "please retry".
	ErrChallengeInvalid = errors.New("challenge invalid")
	// ErrReplayDetected means the authenticator presented a signature counter that did not
	// advance past the stored value.
	ErrReplayDetected = errors.New("replay detected")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyClaimedToday is informational: the daily bonus for the current day exists.
	ErrAlreadyClaimedToday = errors.New("daily bonus already claimed today")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionNotFound     = errors.New("session not found")
	// ErrSessionRevoked matches ErrSessionNotFound under errors.Is.
	ErrSessionRevoked     = fmt.Errorf("%w: session revoked", ErrSessionNotFound)
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrCeremonyRejected   = errors.New("ceremony rejected")
	ErrUserSuspended      = errors.New("user suspended")
)

var knownErrors = []error{
	ErrNotFound,
	ErrChallengeInvalid,
	ErrReplayDetected,
	ErrConflict,
	ErrInsufficientBalance,
	ErrAlreadyClaimedToday,
	ErrSessionExpired,
	ErrSessionNotFound,
	ErrStorageUnavailable,
	ErrInvalidInput,
	ErrUnauthorized,
	ErrCeremonyRejected,
	ErrUserSuspended,
}

// IsDomainError reports whether err wraps one of the package sentinels.
// Anything else reaching the application layer is treated as a storage fault.
func IsDomainError(err error) bool {
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
