package repository

import (
	"context"
	"time"

	"tontinepay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxRepository stores notifications waiting to be published.
type OutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository binds the repository to db.
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create stores msg in tx. A message with the same (topic, key) already
// queued is left alone and Create reports false.
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "topic"}, {Name: "message_key"}},
			DoNothing: true,
		}).
		Create(msg)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetPendingMessages returns up to limit unsent messages, oldest first.
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) ListByTopic(ctx context.Context, topic string) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("topic = ?", topic).
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

// MarkSent records a successful publish.
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  model.OutboxStatusSent,
			"sent_at": at,
		}).Error
}

// RecordFailure bumps retry_count and keeps the latest publish error.
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, errMsg string) error {
	if len(errMsg) > 512 {
		errMsg = errMsg[:512]
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errMsg,
		}).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusFailed).Error
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
