package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/model"
	"tontinepay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier writes notifications to the outbox; job.OutboxSender publishes
// them to Kafka after commit.
type Notifier struct {
	outboxRepo *repository.OutboxRepository
	topics     config.KafkaTopicConfig
	log        *zap.Logger
}

// NewNotifier writes notifications to the outbox under topics.
func NewNotifier(db *gorm.DB, topics config.KafkaTopicConfig, log *zap.Logger) *Notifier {
	return &Notifier{
		outboxRepo: repository.NewOutboxRepository(db),
		topics:     topics,
		log:        log.Named("notifier"),
	}
}

type payoutNotice struct {
	PayoutNo        string    `json:"payout_no"`
	IdempotencyKey  string    `json:"idempotency_key"`
	GroupID         int64     `json:"group_id"`
	CycleNumber     int       `json:"cycle_number"`
	RecipientUserID int64     `json:"recipient_user_id"`
	Amount          int64     `json:"amount"`
	PlatformFee     int64     `json:"platform_fee"`
	CommunityShare  int64     `json:"community_share"`
	PartnerReserved int64     `json:"partner_reserved"`
	NetAmount       int64     `json:"net_amount"`
	Receipt         string    `json:"receipt"`
	PaidAt          time.Time `json:"paid_at"`
}

// PayoutSucceeded queues the recipient notification inside tx. It is keyed by
// the attempt idempotency key, so at most one notice exists per payout.
func (n *Notifier) PayoutSucceeded(ctx context.Context, tx *gorm.DB, payout *model.Payout, attempt *model.PaymentAttempt, paidAt time.Time) error {
	payload, err := json.Marshal(payoutNotice{
		PayoutNo:        payout.PayoutNo,
		IdempotencyKey:  attempt.IdempotencyKey,
		GroupID:         payout.GroupID,
		CycleNumber:     payout.CycleNumber,
		RecipientUserID: payout.RecipientUserID,
		Amount:          payout.Amount,
		PlatformFee:     payout.PlatformFee,
		CommunityShare:  payout.CommunityShare,
		PartnerReserved: payout.PartnerReserved,
		NetAmount:       payout.NetAmount,
		Receipt:         attempt.Receipt,
		PaidAt:          paidAt,
	})
	if err != nil {
		return fmt.Errorf("encode payout notice: %w", err)
	}

	created, err := n.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: attempt.IdempotencyKey,
		Topic:      n.topics.PayoutNotification,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
	if err != nil {
		return fmt.Errorf("write payout notice: %w", err)
	}
	if !created {
		n.log.Warn("payout notice already queued", zap.String("key", attempt.IdempotencyKey))
	}
	return nil
}

type adminAlert struct {
	Kind     string    `json:"kind"`
	JobNo    string    `json:"job_no"`
	Queue    string    `json:"queue"`
	JobType  string    `json:"job_type"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// JobDead raises an administrator alert for a dead-lettered job.
func (n *Notifier) JobDead(ctx context.Context, job *model.QueueJob, cause error) error {
	payload, err := json.Marshal(adminAlert{
		Kind:     "job_dead",
		JobNo:    job.JobNo,
		Queue:    job.Queue,
		JobType:  job.JobType,
		Key:      job.IdempotencyKey,
		Attempts: job.Attempts,
		Error:    cause.Error(),
		At:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode admin alert: %w", err)
	}

	_, err = n.outboxRepo.Create(ctx, nil, &model.OutboxMessage{
		MessageKey: "dead:" + job.IdempotencyKey,
		Topic:      n.topics.AdminAlert,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
	if err != nil {
		return fmt.Errorf("write admin alert: %w", err)
	}
	n.log.Error("admin alert raised",
		zap.String("job_no", job.JobNo),
		zap.String("key", job.IdempotencyKey),
		zap.Error(cause))
	return nil
}
