package repository

import (
	"context"
	"errors"

	"tontinepay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrGroupNotFound      = errors.New("group not found")
	ErrMemberNotFound     = errors.New("group member not found")
	ErrCycleStatusInvalid = errors.New("cycle status transition not allowed")
)

// GroupRepository owns groups and their members.
type GroupRepository struct {
	db *gorm.DB
}

// NewGroupRepository binds the repository to db.
func NewGroupRepository(db *gorm.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

func (r *GroupRepository) Create(ctx context.Context, tx *gorm.DB, group *model.Group) error {
	return pick(r.db, tx).WithContext(ctx).Create(group).Error
}

func (r *GroupRepository) AddMember(ctx context.Context, tx *gorm.DB, member *model.GroupMember) error {
	return pick(r.db, tx).WithContext(ctx).Create(member).Error
}

// GetByID loads a group, or ErrGroupNotFound.
func (r *GroupRepository) GetByID(ctx context.Context, tx *gorm.DB, groupID int64) (*model.Group, error) {
	var group model.Group
	err := pick(r.db, tx).WithContext(ctx).Where("id = ?", groupID).First(&group).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// GetByIDForUpdate reads the group holding a row lock for the rest of tx.
func (r *GroupRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, groupID int64) (*model.Group, error) {
	var group model.Group
	err := forUpdate(tx.WithContext(ctx)).Where("id = ?", groupID).First(&group).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// GetMemberByPosition loads the member at a payout position, or
// ErrMemberNotFound.
func (r *GroupRepository) GetMemberByPosition(ctx context.Context, tx *gorm.DB, groupID int64, position int) (*model.GroupMember, error) {
	var member model.GroupMember
	err := pick(r.db, tx).WithContext(ctx).
		Where("group_id = ? AND payout_position = ?", groupID, position).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}

// TransitionCycleStatus moves the group from one status to another for the
// given cycle. It reports false when the group is no longer in (cycle, from).
func (r *GroupRepository) TransitionCycleStatus(ctx context.Context, tx *gorm.DB, groupID int64, cycle int, fromStatus, toStatus string) (bool, error) {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return false, ErrCycleStatusInvalid
	}

	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.Group{}).
		Where("id = ? AND current_cycle = ? AND cycle_status = ?", groupID, cycle, fromStatus).
		Update("cycle_status", toStatus)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AdvanceCycle closes a paid-out cycle: current_cycle moves to cycle+1 and the
// group becomes active again.
func (r *GroupRepository) AdvanceCycle(ctx context.Context, tx *gorm.DB, groupID int64, cycle int) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.Group{}).
		Where("id = ? AND current_cycle = ? AND cycle_status IN ?", groupID, cycle,
			[]string{model.CycleStatusPayoutPending, model.CycleStatusPayoutInProgress}).
		Updates(map[string]interface{}{
			"current_cycle": gorm.Expr("current_cycle + 1"),
			"cycle_status":  model.CycleStatusActive,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListByCycleStatus returns groups whose current cycle is in one of statuses,
// least recently touched first.
func (r *GroupRepository) ListByCycleStatus(ctx context.Context, statuses []string, limit int) ([]*model.Group, error) {
	var groups []*model.Group
	err := r.db.WithContext(ctx).
		Where("cycle_status IN ?", statuses).
		Order("updated_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&groups).Error
	return groups, err
}
