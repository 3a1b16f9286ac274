package events

import (
	"context"
	"log/slog"
	"time"
)

// Maintainer is the slice of the application service the maintenance loop drives.
type Maintainer interface {
	ReconcileRegistrationBonuses(ctx context.Context) (int, error)
	PurgeChallenges(ctx context.Context, grace time.Duration) (int64, error)
	PurgeSessions(ctx context.Context, grace time.Duration) (int64, error)
}

// MaintenanceWorker credits deferred registration bonuses and removes stale challenges
// and sessions on a fixed interval.
type MaintenanceWorker struct {
	logger   *slog.Logger
	service  Maintainer
	interval time.Duration
	grace    time.Duration
}

func NewMaintenanceWorker(logger *slog.Logger, service Maintainer, interval, grace time.Duration) *MaintenanceWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if grace <= 0 {
		grace = time.Hour
	}
	return &MaintenanceWorker{
		logger:   logger,
		service:  service,
		interval: interval,
		grace:    grace,
	}
}

func (w *MaintenanceWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *MaintenanceWorker) runOnce(ctx context.Context) {
	credited, err := w.service.ReconcileRegistrationBonuses(ctx)
	w.report(ctx, "reconcile_registration_bonus", int64(credited), err)

	challenges, err := w.service.PurgeChallenges(ctx, w.grace)
	w.report(ctx, "purge_challenges", challenges, err)

	sessions, err := w.service.PurgeSessions(ctx, w.grace)
	w.report(ctx, "purge_sessions", sessions, err)
}

func (w *MaintenanceWorker) report(ctx context.Context, operation string, count int64, err error) {
	if err != nil {
		w.logger.ErrorContext(ctx, "maintenance step failed",
			"module", "events.maintenance_worker",
			"layer", "adapter",
			"operation", operation,
			"outcome", "failure",
			"error", err,
		)
		return
	}
	if count > 0 {
		w.logger.InfoContext(ctx, "maintenance step completed",
			"module", "events.maintenance_worker",
			"layer", "adapter",
			"operation", operation,
			"outcome", "success",
			"count", count,
		)
	}
}
