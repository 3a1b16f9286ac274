package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/cuepassport/internal/ports"
)

// OutboxConfig tunes the relay. Zero values fall back to the defaults in NewOutboxWorker.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
	// MaxRetries is the number of failed publishes after which a record is dead-lettered.
	MaxRetries int
}

// OutboxWorker relays passport and ledger events from the outbox to the publisher. Records
// are written in the same transaction as the state they describe, so every event is delivered
// at least once; consumers dedupe on the event id.
type OutboxWorker struct {
	logger    *slog.Logger
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	cfg       OutboxConfig
	now       func() time.Time
}

func NewOutboxWorker(logger *slog.Logger, outbox ports.OutboxRepository, publisher ports.EventPublisher, cfg OutboxConfig) *OutboxWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &OutboxWorker{
		logger:    logger.With("module", "events.outbox_relay", "layer", "adapter"),
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run relays batches until ctx is cancelled. A full batch is followed immediately by the
// next one so a backlog drains without waiting for the poll interval.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		batch, err := w.relayBatch(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "outbox relay iteration failed",
				"operation", "outbox_relay_batch",
				"outcome", "failure",
				"error", err,
			)
		}
		if err == nil && batch.claimed == w.cfg.BatchSize && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type relayOutcome int

const (
	relayPublished relayOutcome = iota
	relayRetry
	relayDeadLettered
)

// relayTally counts one batch, broken down by event type for the summary log.
type relayTally struct {
	claimed      int
	published    int
	retried      int
	deadLettered int
	byType       map[string]int
	oldest       time.Time
}

func (t *relayTally) add(rec ports.OutboxRecord, outcome relayOutcome) {
	switch outcome {
	case relayPublished:
		t.published++
		t.byType[rec.EventType]++
	case relayRetry:
		t.retried++
	case relayDeadLettered:
		t.deadLettered++
	}
	if t.oldest.IsZero() || rec.CreatedAt.Before(t.oldest) {
		t.oldest = rec.CreatedAt
	}
}

func (w *OutboxWorker) relayBatch(ctx context.Context) (relayTally, error) {
	claimToken := uuid.NewString()
	records, err := w.outbox.ClaimUnpublished(ctx, w.cfg.BatchSize, claimToken, w.now().UTC().Add(w.cfg.ClaimTTL))
	if err != nil {
		return relayTally{}, err
	}

	tally := relayTally{claimed: len(records), byType: map[string]int{}}
	for _, rec := range records {
		tally.add(rec, w.relay(ctx, claimToken, rec))
	}
	if tally.claimed > 0 {
		w.logger.InfoContext(ctx, "outbox batch relayed",
			"operation", "outbox_relay_batch",
			"outcome", "success",
			"claim_token", claimToken,
			"claimed", tally.claimed,
			"published", tally.published,
			"retried", tally.retried,
			"dead_lettered", tally.deadLettered,
			"published_by_type", tally.byType,
			"oldest_lag_ms", w.now().UTC().Sub(tally.oldest).Milliseconds(),
		)
	}
	return tally, nil
}

// relay publishes one claimed record and settles it. Settlement errors are logged only: an
// unsettled record is reclaimed once its claim lapses.
func (w *OutboxWorker) relay(ctx context.Context, claimToken string, rec ports.OutboxRecord) relayOutcome {
	log := w.logger.With(
		"outbox_id", rec.OutboxID.String(),
		"event_type", rec.EventType,
		"partition_key", rec.PartitionKey,
	)
	now := w.now().UTC()

	if rec.RetryCount >= w.cfg.MaxRetries {
		w.settle(ctx, log, "mark_dead_lettered", w.outbox.MarkDeadLettered(ctx, rec.OutboxID, claimToken, "retry limit reached before publish", now))
		return relayDeadLettered
	}

	err := w.publisher.Publish(ctx, rec.EventType, rec.PartitionKey, rec.Payload)
	if err == nil {
		w.settle(ctx, log, "mark_published", w.outbox.MarkPublished(ctx, rec.OutboxID, claimToken, now))
		return relayPublished
	}

	attempts := rec.RetryCount + 1
	if attempts >= w.cfg.MaxRetries {
		log.ErrorContext(ctx, "outbox event dead-lettered",
			"operation", "publish_event",
			"outcome", "failure",
			"attempts", attempts,
			"payload_bytes", len(rec.Payload),
			"error", err,
		)
		w.settle(ctx, log, "mark_dead_lettered", w.outbox.MarkDeadLettered(ctx, rec.OutboxID, claimToken, err.Error(), now))
		return relayDeadLettered
	}

	log.WarnContext(ctx, "outbox publish failed, will retry",
		"operation", "publish_event",
		"outcome", "retry",
		"attempts", attempts,
		"retries_left", w.cfg.MaxRetries-attempts,
		"error", err,
	)
	w.settle(ctx, log, "mark_failed", w.outbox.MarkFailed(ctx, rec.OutboxID, claimToken, err.Error(), now))
	return relayRetry
}

func (w *OutboxWorker) settle(ctx context.Context, log *slog.Logger, operation string, err error) {
	if err == nil {
		return
	}
	log.WarnContext(ctx, "outbox record not settled",
		"operation", operation,
		"outcome", "failure",
		"error", err,
	)
}
