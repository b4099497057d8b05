package job

import (
	"context"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/model"
	"tontinepay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher is satisfied by *mq.Producer.
type Publisher interface {
	Send(topic, key, value string) error
}

// OutboxSender publishes committed outbox messages. Delivery is at least
// once; consumers dedupe on the message key.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	maxRetry   int
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, cfg *config.Config, log *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   cfg.Business.MaxRetryCount,
		log:        log.Named("outbox"),
		stopCh:     make(chan struct{}),
		interval:   200 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("outbox sender exiting")
			return
		case <-s.stopCh:
			s.log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("load pending messages", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	logger := s.log.With(zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))

	err := s.publisher.Send(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID, time.Now().UTC()); updateErr != nil {
			logger.Error("mark message sent", zap.Error(updateErr))
		} else {
			logger.Debug("message published")
		}
		return
	}

	logger.Warn("publish failed", zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, err.Error()); err != nil {
		logger.Error("record publish failure", zap.Error(err))
	}

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			logger.Error("mark message failed", zap.Error(err))
		} else {
			logger.Error("message exceeded retry limit")
		}
	}
}
