package repository

import (
	"context"
	"errors"
	"time"

	"tontinepay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPayoutNotFound is returned when a cycle has no payout row.
var ErrPayoutNotFound = errors.New("payout not found")

// PayoutRepository owns payout rows. Status changes are guarded by the
// expected current status.
type PayoutRepository struct {
	db *gorm.DB
}

// NewPayoutRepository binds the repository to db.
func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// CreateIfAbsent inserts the payout unless one already exists for its
// (group, cycle). It reports whether this call created the row.
func (r *PayoutRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, payout *model.Payout) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "cycle_number"}},
			DoNothing: true,
		}).
		Create(payout)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetByGroupCycle loads the payout of one group cycle.
func (r *PayoutRepository) GetByGroupCycle(ctx context.Context, tx *gorm.DB, groupID int64, cycle int) (*model.Payout, error) {
	var payout model.Payout
	err := pick(r.db, tx).WithContext(ctx).
		Where("group_id = ? AND cycle_number = ?", groupID, cycle).
		First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

func (r *PayoutRepository) CountByGroupCycle(ctx context.Context, groupID int64, cycle int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Payout{}).
		Where("group_id = ? AND cycle_number = ?", groupID, cycle).
		Count(&count).Error
	return count, err
}

// MarkPaid moves a pending payout to paid. It reports false otherwise.
func (r *PayoutRepository) MarkPaid(ctx context.Context, tx *gorm.DB, payoutID int64, paidAt time.Time) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ? AND status = ?", payoutID, model.PayoutStatusPending).
		Updates(map[string]interface{}{
			"status":  model.PayoutStatusPaid,
			"paid_at": paidAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed moves a pending payout to failed. It reports false otherwise.
func (r *PayoutRepository) MarkFailed(ctx context.Context, tx *gorm.DB, payoutID int64) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ? AND status = ?", payoutID, model.PayoutStatusPending).
		Update("status", model.PayoutStatusFailed)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Reopen moves a failed payout back to pending for another round of attempts.
func (r *PayoutRepository) Reopen(ctx context.Context, tx *gorm.DB, payoutID int64) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ? AND status = ?", payoutID, model.PayoutStatusFailed).
		Update("status", model.PayoutStatusPending)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
