package repository

import (
	"context"
	"errors"
	"time"

	"tontinepay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAttemptNotFound is returned when no attempt has the key.
var ErrAttemptNotFound = errors.New("payment attempt not found")

// AttemptRepository owns payment_attempt rows.
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository binds the repository to db.
func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// CreateIfAbsent inserts the attempt unless its idempotency key is taken.
func (r *AttemptRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, attempt *model.PaymentAttempt) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(attempt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetByKey loads the attempt for an idempotency key.
func (r *AttemptRepository) GetByKey(ctx context.Context, tx *gorm.DB, key string) (*model.PaymentAttempt, error) {
	var attempt model.PaymentAttempt
	err := pick(r.db, tx).WithContext(ctx).Where("idempotency_key = ?", key).First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return &attempt, nil
}

// GetByKeyForUpdate loads the attempt and locks its row where the dialect
// supports it. tx is required.
func (r *AttemptRepository) GetByKeyForUpdate(ctx context.Context, tx *gorm.DB, key string) (*model.PaymentAttempt, error) {
	var attempt model.PaymentAttempt
	err := forUpdate(tx.WithContext(ctx)).Where("idempotency_key = ?", key).First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return &attempt, nil
}

// CompareAndUpdate applies updates only if the row still has the status and
// attempt count the caller observed.
func (r *AttemptRepository) CompareAndUpdate(ctx context.Context, tx *gorm.DB, attemptID int64, status string, attemptCount int, updates map[string]interface{}) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.PaymentAttempt{}).
		Where("id = ? AND status = ? AND attempt_count = ?", attemptID, status, attemptCount).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListStaleProcessing returns attempts still claimed after before; their
// worker is presumed dead.
func (r *AttemptRepository) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*model.PaymentAttempt, error) {
	var attempts []*model.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", model.AttemptStatusProcessing, before).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}

// DeleteSettledBefore removes success and terminal failure rows last touched
// before cutoff. It is the only code path that deletes attempts.
func (r *AttemptRepository) DeleteSettledBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.PaymentAttempt{}).
		Where("updated_at < ? AND (status = ? OR (status = ? AND (terminal = ? OR attempt_count >= max_attempts)))",
			cutoff, model.AttemptStatusSuccess, model.AttemptStatusFailed, true).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.PaymentAttempt{})
	return result.RowsAffected, result.Error
}
