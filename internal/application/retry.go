package application

import (
	"context"
	"fmt"
	"time"

	"github.com/viralforge/cuepassport/internal/domain"
)

// readWithRetry runs an idempotent read, retrying once after the configured backoff when the
// failure is not a domain outcome. A second failure becomes ErrStorageUnavailable.
func readWithRetry[T any](ctx context.Context, s *Service, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := fn(ctx)
	if err == nil || domain.IsDomainError(err) {
		return v, err
	}
	appLogger().WarnContext(ctx, "storage read failed; retrying",
		"operation", operation,
		"outcome", "retry",
		"error", err,
	)
	s.metrics.Inc("storage_read_retries_total", "operation", operation)

	timer := time.NewTimer(s.cfg.ReadRetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, operation, ctx.Err())
	case <-timer.C:
	}

	v, err = fn(ctx)
	if err == nil || domain.IsDomainError(err) {
		return v, err
	}
	return zero, fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, operation, err)
}

// writeFailure classifies a failed write. Writes are never retried.
func writeFailure(operation string, err error) error {
	if err == nil || domain.IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, operation, err)
}
