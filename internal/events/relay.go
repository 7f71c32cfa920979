package events

import (
	"context"
	"sync"
	"time"

	"github.com/aimd54/loyalty-ledger/internal/metrics"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// OutboxStore is the subset of the outbox repository the relay needs.
type OutboxStore interface {
	GetPending(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id, lastErr string, maxRetries int) error
	CountByStatus(ctx context.Context, status string) (int64, error)
}

// Relay polls the outbox and publishes pending events in creation order.
type Relay struct {
	store      OutboxStore
	publisher  Publisher
	interval   time.Duration
	batchSize  int
	maxRetries int
	log        *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRelay creates a relay.
func NewRelay(store OutboxStore, publisher Publisher, interval time.Duration, batchSize, maxRetries int, log *logger.Logger) *Relay {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Relay{
		store:      store,
		publisher:  publisher,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		log:        log.Component("outbox-relay"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the polling loop in a goroutine until ctx is done or Stop is called.
func (r *Relay) Start(ctx context.Context) {
	r.log.Info().
		Dur("interval", r.interval).
		Int("batch_size", r.batchSize).
		Msg("Outbox relay started")

	go func() {
		defer close(r.doneCh)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.log.Info().Msg("Outbox relay stopped by context")
				return
			case <-r.stopCh:
				r.log.Info().Msg("Outbox relay stopped")
				return
			case <-ticker.C:
				r.ProcessBatch(ctx)
			}
		}
	}()
}

// Stop stops the loop and waits for the in-flight batch.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

// ProcessBatch publishes one batch and returns how many events were sent.
// A failed event stops the batch so later events of the same key are not
// delivered ahead of it.
func (r *Relay) ProcessBatch(ctx context.Context) int {
	defer r.reportBacklog(ctx)

	msgs, err := r.store.GetPending(ctx, r.batchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to load pending outbox messages")
		return 0
	}

	sent := 0
	for i := range msgs {
		msg := &msgs[i]

		body, err := EnvelopeFor(msg)
		if err == nil {
			err = r.publisher.Publish(ctx, msg.Key, body)
		}

		if err != nil {
			r.log.Warn().
				Err(err).
				Str("id", msg.ID).
				Str("event_type", msg.EventType).
				Int("retry_count", msg.RetryCount).
				Msg("Failed to publish outbox message")

			status := "retry"
			if msg.RetryCount+1 >= r.maxRetries {
				status = "failed"
			}
			metrics.RecordOutboxMessage(status)

			if ferr := r.store.RecordFailure(ctx, msg.ID, err.Error(), r.maxRetries); ferr != nil {
				r.log.Error().Err(ferr).Str("id", msg.ID).Msg("Failed to record outbox failure")
			}
			return sent
		}

		if err := r.store.MarkSent(ctx, msg.ID, time.Now().UTC()); err != nil {
			r.log.Error().Err(err).Str("id", msg.ID).Msg("Failed to mark outbox message sent")
			return sent
		}

		metrics.RecordOutboxMessage("sent")
		sent++
	}

	if sent > 0 {
		r.log.Debug().Int("sent", sent).Msg("Outbox batch published")
	}
	return sent
}

// reportBacklog publishes the pending and dead-lettered message counts.
func (r *Relay) reportBacklog(ctx context.Context) {
	for _, status := range []string{models.OutboxPending, models.OutboxFailed} {
		count, err := r.store.CountByStatus(ctx, status)
		if err != nil {
			r.log.Warn().Err(err).Str("status", status).Msg("Failed to count outbox messages")
			continue
		}
		metrics.SetOutboxBacklog(status, count)
	}
}
