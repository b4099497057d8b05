package model

import (
	"time"
)

const (
	CycleStatusActive           = "active"
	CycleStatusPayoutPending    = "payout_pending"
	CycleStatusPayoutInProgress = "payout_in_progress"
)

// ValidCycleTransitions lists the moves a group may make within one cycle.
// Returning to active is only legal together with advancing current_cycle.
var ValidCycleTransitions = map[string][]string{
	CycleStatusActive:           {CycleStatusPayoutPending},
	CycleStatusPayoutPending:    {CycleStatusPayoutInProgress, CycleStatusActive},
	CycleStatusPayoutInProgress: {CycleStatusActive},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidCycleTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Group is a tontine. Only the cycle completion service and the payout worker
// mutate CurrentCycle and CycleStatus.
type Group struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name               string    `gorm:"type:varchar(128);not null" json:"name"`
	ContributionAmount int64     `gorm:"not null" json:"contribution_amount"`
	CycleLengthDays    int       `gorm:"not null;default:30" json:"cycle_length_days"`
	MemberCount        int       `gorm:"not null" json:"member_count"`
	CurrentCycle       int       `gorm:"not null;default:1" json:"current_cycle"`
	CycleStatus        string    `gorm:"type:varchar(32);index;not null;default:active" json:"cycle_status"`
	Verified           bool      `gorm:"not null;default:false" json:"verified"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Group) TableName() string {
	return "tontine_group"
}

// PotAmount is the gross amount collected in one fully funded cycle.
func (g *Group) PotAmount() int64 {
	return g.ContributionAmount * int64(g.MemberCount)
}

// RecipientPosition returns the payout position that receives the pot of cycle.
func (g *Group) RecipientPosition(cycle int) int {
	if g.MemberCount <= 0 || cycle <= 0 {
		return 0
	}
	return (cycle-1)%g.MemberCount + 1
}

// GroupMember holds a member's payout position and address.
type GroupMember struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GroupID        int64     `gorm:"not null;uniqueIndex:uk_member_group_user;uniqueIndex:uk_member_group_position" json:"group_id"`
	UserID         int64     `gorm:"not null;uniqueIndex:uk_member_group_user" json:"user_id"`
	PayoutPosition int       `gorm:"not null;uniqueIndex:uk_member_group_position" json:"payout_position"`
	PayoutAddress  string    `gorm:"type:varchar(512);not null" json:"payout_address"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (GroupMember) TableName() string {
	return "tontine_group_member"
}
