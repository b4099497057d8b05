package repository

import (
	"context"
	"errors"
	"time"

	"tontinepay/internal/model"

	"gorm.io/gorm"
)

// ErrContributionNotFound is returned when no contribution matches.
var ErrContributionNotFound = errors.New("contribution not found")

// ContributionRepository reads and settles contribution rows.
type ContributionRepository struct {
	db *gorm.DB
}

// NewContributionRepository binds the repository to db; methods taking a tx
// run on it when non-nil.
func NewContributionRepository(db *gorm.DB) *ContributionRepository {
	return &ContributionRepository{db: db}
}

func (r *ContributionRepository) Create(ctx context.Context, tx *gorm.DB, contribution *model.Contribution) error {
	return pick(r.db, tx).WithContext(ctx).Create(contribution).Error
}

// GetByExternalReference loads the contribution invoiced under reference.
func (r *ContributionRepository) GetByExternalReference(ctx context.Context, tx *gorm.DB, reference string) (*model.Contribution, error) {
	var contribution model.Contribution
	err := pick(r.db, tx).WithContext(ctx).Where("external_reference = ?", reference).First(&contribution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return &contribution, nil
}

// MarkPaid flips a pending contribution to paid. A second call for the same
// row affects nothing and reports false.
func (r *ContributionRepository) MarkPaid(ctx context.Context, tx *gorm.DB, contributionID int64, paidAt time.Time) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.Contribution{}).
		Where("id = ? AND status = ?", contributionID, model.ContributionStatusPending).
		Updates(map[string]interface{}{
			"status":  model.ContributionStatusPaid,
			"paid_at": paidAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountPaid counts the paid contributions of one group cycle.
func (r *ContributionRepository) CountPaid(ctx context.Context, tx *gorm.DB, groupID int64, cycle int) (int64, error) {
	var count int64
	err := pick(r.db, tx).WithContext(ctx).
		Model(&model.Contribution{}).
		Where("group_id = ? AND cycle_number = ? AND status = ?", groupID, cycle, model.ContributionStatusPaid).
		Count(&count).Error
	return count, err
}
