package service

import (
	"context"
	"fmt"

	"tontinepay/internal/model"
	"tontinepay/internal/queue"

	"go.uber.org/zap"
)

// EventProcessor bridges the webhook and the contribution service through the
// payment-events queue.
type EventProcessor struct {
	queue         *queue.Queue
	contributions *ContributionService
	log           *zap.Logger
}

// NewEventProcessor feeds payment events through q into contributions.
func NewEventProcessor(q *queue.Queue, contributions *ContributionService, log *zap.Logger) *EventProcessor {
	return &EventProcessor{
		queue:         q,
		contributions: contributions,
		log:           log.Named("events"),
	}
}

// Submit enqueues a verified event. Redeliveries of the same reference and
// status collapse onto the first job.
func (p *EventProcessor) Submit(ctx context.Context, event *model.PaymentEvent) (*queue.Handle, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	handle, err := p.queue.Enqueue(ctx, nil, queue.EnqueueRequest{
		Queue:   model.QueuePaymentEvents,
		Type:    model.JobTypePaymentEvent,
		Key:     event.EventIdempotencyKey(),
		Payload: event,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue payment event: %w", err)
	}
	if !handle.Created {
		p.log.Info("duplicate payment event", zap.String("reference", event.ExternalReference))
	}
	return handle, nil
}

// Process handles one payment_event job.
func (p *EventProcessor) Process(ctx context.Context, job *model.QueueJob) error {
	var event model.PaymentEvent
	if err := queue.Decode(job, &event); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return queue.Permanent(err)
	}

	_, err := p.contributions.Confirm(ctx, &event)
	return err
}
