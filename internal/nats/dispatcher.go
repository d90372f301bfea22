// Package natsjs publishes the store's outbox to NATS JetStream.
package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Outbox is the part of the store the dispatcher drains
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher sends one event
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

const maxRetryBackoff = 10 * time.Minute

// Dispatcher moves outbox rows to the publisher
type Dispatcher struct {
	outbox       Outbox
	publisher    EventPublisher
	batchSize    int
	pollInterval time.Duration
	retryBackoff time.Duration
}

// NewDispatcher creates a dispatcher with the given limits
func NewDispatcher(outbox Outbox, publisher EventPublisher, batchSize int, pollInterval, retryBackoff time.Duration) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if retryBackoff <= 0 {
		retryBackoff = 10 * time.Second
	}
	return &Dispatcher{
		outbox:       outbox,
		publisher:    publisher,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		retryBackoff: retryBackoff,
	}
}

// Run dispatches until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	log.Info().Int("batch", d.batchSize).Msg("outbox dispatcher started")
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("error dequeuing outbox")
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n < d.batchSize:
			wait = d.pollInterval
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				log.Info().Msg("outbox dispatcher stopped")
				return
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it handled
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.backoff(msg.Retries)
			log.Warn().Err(err).Int64("outbox_id", msg.ID).Dur("backoff", backoff).Msg("error publishing event")
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error scheduling outbox retry")
			}
			continue
		}

		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error marking event as published")
		}
	}
	return len(messages), nil
}

func (d *Dispatcher) backoff(retries int) time.Duration {
	b := d.retryBackoff
	for i := 0; i < retries && b < maxRetryBackoff; i++ {
		b *= 2
	}
	return min(b, maxRetryBackoff)
}
